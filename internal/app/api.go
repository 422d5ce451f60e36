package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"collabsync/pkg/history"
	"collabsync/pkg/httpx"
	"collabsync/pkg/members"
	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
	"collabsync/pkg/timeline"
)

// apiRouter builds the REST surface. Writes go through the history store,
// which announces committed rows on the hub; connected clients reconcile
// from there.
func (a *App) apiRouter() *mux.Router {
	rt := mux.NewRouter()
	rt.HandleFunc("/v1/conversations/{id}/interactions", a.handleFetchPage).Methods(http.MethodGet)
	rt.HandleFunc("/v1/conversations/{id}/timeline", a.handleTimeline).Methods(http.MethodGet)
	rt.HandleFunc("/v1/conversations/{id}/messages", a.handleSendMessage).Methods(http.MethodPost)
	rt.HandleFunc("/v1/conversations/{id}/messages/{msg}", a.handleDeleteMessage).Methods(http.MethodDelete)
	rt.HandleFunc("/v1/conversations/{id}/files", a.handleCreateFiles).Methods(http.MethodPost)
	rt.HandleFunc("/v1/conversations/{id}/read-marker", a.handleGetMarker).Methods(http.MethodGet)
	rt.HandleFunc("/v1/conversations/{id}/read-marker", a.handleSetMarker).Methods(http.MethodPut)
	rt.HandleFunc("/v1/orders/{id}", a.handleGetOrder).Methods(http.MethodGet)
	rt.HandleFunc("/v1/orders/{id}", a.handleSaveOrder).Methods(http.MethodPut)
	rt.HandleFunc("/v1/members", a.handleAddMember).Methods(http.MethodPost)
	rt.HandleFunc("/v1/members/{id}", a.handleGetMember).Methods(http.MethodGet)
	rt.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSONError(w, http.StatusNotFound, "not found")
	})
	return rt
}

func (a *App) handleFetchPage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpx.JSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit == 0 {
		limit = a.cfg.Sync.PageLimit
	}

	res, err := history.FetchPage(convID, cursor, limit)
	if err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.enrich(r.Context(), res.Messages)
	a.enrich(r.Context(), res.Activities)
	a.enrich(r.Context(), res.Reviews)
	_ = httpx.JSONWrite(w, http.StatusOK, res)
}

// handleTimeline serves the day-grouped render view of one fetched window.
// viewer_role gates agency-internal messages; tz is an IANA location name
// for day bucketing, UTC when absent.
func (a *App) handleTimeline(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			httpx.JSONError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = n
	}
	limit := a.cfg.Sync.PageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httpx.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	loc := time.UTC
	if v := r.URL.Query().Get("tz"); v != "" {
		l, err := time.LoadLocation(v)
		if err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "invalid tz")
			return
		}
		loc = l
	}

	res, err := history.FetchPage(convID, cursor, limit)
	if err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recs := res.Records()
	a.enrich(r.Context(), recs)
	pages := pagestore.Pages{{Records: recs, NextCursor: res.NextCursor}}
	days := timeline.Aggregate(pages, r.URL.Query().Get("viewer_role"), loc)
	if days == nil {
		days = []timeline.DayGroup{}
	}
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]any{
		"days":        days,
		"next_cursor": res.NextCursor,
	})
}

// enrich fills author profiles from the directory; unknown authors are left
// as ids.
func (a *App) enrich(ctx context.Context, recs []models.Interaction) {
	for i := range recs {
		if recs[i].Author != nil || recs[i].AuthorID == "" {
			continue
		}
		if m, err := a.members.Lookup(ctx, recs[i].AuthorID); err == nil {
			mm := m
			recs[i].Author = &mm
		}
	}
}

type sendMessageRequest struct {
	TempID     string              `json:"temp_id,omitempty"`
	AuthorID   string              `json:"author_id"`
	Content    string              `json:"content"`
	Visibility models.Visibility   `json:"visibility,omitempty"`
	Files      []models.Attachment `json:"files,omitempty"`
}

func (a *App) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AuthorID == "" {
		httpx.JSONError(w, http.StatusBadRequest, "author_id is required")
		return
	}
	convID := mux.Vars(r)["id"]
	api := history.LocalAPI{}
	confirmed, err := api.SendMessage(r.Context(), models.Interaction{
		TempID:         req.TempID,
		Kind:           models.KindMessage,
		ConversationID: convID,
		AuthorID:       req.AuthorID,
		Content:        req.Content,
		Visibility:     req.Visibility,
		Files:          req.Files,
	})
	if err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(confirmed.Files) > 0 {
		if err := api.CreateFiles(r.Context(), convID, confirmed.Files); err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	_ = httpx.JSONWrite(w, http.StatusCreated, confirmed)
}

func (a *App) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := history.SoftDeleteMessage(vars["id"], vars["msg"]); err != nil {
		httpx.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleCreateFiles(w http.ResponseWriter, r *http.Request) {
	var files []models.Attachment
	if err := json.NewDecoder(r.Body).Decode(&files); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	convID := mux.Vars(r)["id"]
	out := make([]models.Attachment, 0, len(files))
	for _, f := range files {
		saved, err := history.SaveAttachment(convID, f)
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, saved)
	}
	_ = httpx.JSONWrite(w, http.StatusCreated, out)
}

func (a *App) handleGetMarker(w http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer")
	if viewer == "" {
		httpx.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	ts, err := history.Marker(viewer, mux.Vars(r)["id"])
	if err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]int64{"ts": ts})
}

type setMarkerRequest struct {
	Viewer string `json:"viewer"`
	TS     int64  `json:"ts"`
}

func (a *App) handleSetMarker(w http.ResponseWriter, r *http.Request) {
	var req setMarkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Viewer == "" {
		httpx.JSONError(w, http.StatusBadRequest, "viewer is required")
		return
	}
	if err := history.SetMarker(req.Viewer, mux.Vars(r)["id"], req.TS); err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := history.GetOrder(mux.Vars(r)["id"])
	if err != nil {
		httpx.JSONError(w, http.StatusNotFound, "order not found")
		return
	}
	_ = httpx.JSONWrite(w, http.StatusOK, o)
}

func (a *App) handleSaveOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o.ID = mux.Vars(r)["id"]
	if err := history.SaveOrder(o); err != nil {
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = httpx.JSONWrite(w, http.StatusOK, o)
}

func (a *App) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var m models.Member
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if m.ID == "" {
		httpx.JSONError(w, http.StatusBadRequest, "id is required")
		return
	}
	a.members.Add(m)
	_ = httpx.JSONWrite(w, http.StatusCreated, m)
}

func (a *App) handleGetMember(w http.ResponseWriter, r *http.Request) {
	m, err := a.members.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if err == members.ErrNotFound {
			httpx.JSONError(w, http.StatusNotFound, "member not found")
			return
		}
		httpx.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = httpx.JSONWrite(w, http.StatusOK, m)
}
