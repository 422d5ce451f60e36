// Package reconcile consumes push notifications and merges them into the
// page store without duplication. Events are processed strictly in arrival
// order; each application is O(page size) over an immutable snapshot, so
// serial application is cheap and safe. Events that cannot be applied are
// dropped, never retried; the live feed keeps functioning even if a single
// event is lost.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"collabsync/pkg/identity"
	"collabsync/pkg/logger"
	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
	"collabsync/pkg/telemetry"
)

// MemberDirectory resolves authors for enrichment. Lookup may suspend on a
// remote fetch; a failure drops the event, not the feed.
type MemberDirectory interface {
	Lookup(ctx context.Context, id string) (models.Member, error)
}

// EnrichmentError marks an event dropped because author lookup failed.
type EnrichmentError struct {
	AuthorID string
	Err      error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("author %s lookup failed: %v", e.AuthorID, e.Err)
}
func (e *EnrichmentError) Unwrap() error { return e.Err }

type handlerFunc func(ctx context.Context, ev models.Event) (bool, error)

// Reconciler applies events for one conversation.
type Reconciler struct {
	conversationID string
	store          *pagestore.Store
	members        MemberDirectory

	handlers map[Table]handlerFunc

	mu    sync.RWMutex
	order models.Order
}

func New(conversationID string, store *pagestore.Store, dir MemberDirectory) *Reconciler {
	r := &Reconciler{conversationID: conversationID, store: store, members: dir}
	r.handlers = map[Table]handlerFunc{
		TableMessages:   r.handleMessages,
		TableFiles:      r.handleFiles,
		TableActivities: r.handleActivities,
		TableReviews:    r.handleReviews,
		TableOrders:     r.handleOrders,
	}
	return r
}

// Order returns the conversation-level aggregate as last replaced by an
// orders UPDATE event.
func (r *Reconciler) Order() models.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order
}

// SetOrder seeds the aggregate from the initial load.
func (r *Reconciler) SetOrder(o models.Order) {
	r.mu.Lock()
	r.order = o
	r.mu.Unlock()
}

// Handle applies a single event. The boolean reports whether the event
// changed any state; false with a nil error is a deliberate no-op (unknown
// table, target not loaded, parent not yet present).
func (r *Reconciler) Handle(ctx context.Context, ev models.Event) (bool, error) {
	tbl, ok := ParseTable(ev.Table)
	if !ok {
		telemetry.EventsDropped.WithLabelValues("unknown_table").Inc()
		logger.Warn("event_unknown_table", "table", ev.Table)
		return false, nil
	}
	applied, err := r.handlers[tbl](ctx, ev)
	if applied {
		telemetry.EventsApplied.WithLabelValues(tbl.String()).Inc()
	}
	return applied, err
}

// HandleFrame decodes a raw push frame and applies it. Decode failures are
// dropped with a log line; errors from application are logged but never
// propagate, matching the availability-over-completeness policy.
func (r *Reconciler) HandleFrame(ctx context.Context, frame []byte) error {
	var ev models.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		telemetry.EventsDropped.WithLabelValues("decode").Inc()
		logger.Warn("event_decode_failed", "conversation", r.conversationID, "error", err)
		return nil
	}
	if _, err := r.Handle(ctx, ev); err != nil {
		logger.Warn("event_dropped", "conversation", r.conversationID, "table", ev.Table, "kind", ev.Type, "error", err)
	}
	return nil
}

// handleMessages reconciles the messages table. INSERT goes through the
// same upsert matching as the optimistic path, so the echo of a local send
// replaces the synthetic record in place instead of duplicating it.
func (r *Reconciler) handleMessages(ctx context.Context, ev models.Event) (bool, error) {
	switch ev.Type {
	case models.EventInsert:
		rec, err := decodeInteraction(ev.New, models.KindMessage)
		if err != nil {
			telemetry.EventsDropped.WithLabelValues("decode").Inc()
			return false, err
		}
		if err := r.enrichAuthor(ctx, &rec); err != nil {
			telemetry.EventsDropped.WithLabelValues("enrichment").Inc()
			return false, err
		}
		rec.Pending = false
		r.store.UpsertRecord(r.conversationID, rec, identity.ByTempID)
		return true, nil

	case models.EventUpdate, models.EventDelete:
		rec, err := decodeInteraction(ev.New, models.KindMessage)
		if err != nil {
			telemetry.EventsDropped.WithLabelValues("decode").Inc()
			return false, err
		}
		// Edits and deletes can target older, already-fetched messages, so
		// the lookup spans all pages, not just page 0. The locate and
		// replace happen under one store lock so an optimistic rollback on
		// another goroutine cannot shift the record out from under us.
		_, found, applied := r.store.UpdateRecord(r.conversationID, func(c models.Interaction) bool {
			return c.ID != "" && c.ID == rec.ID
		}, func(cur models.Interaction) (models.Interaction, bool) {
			if rec.DeletedTS == 0 || cur.DeletedTS == rec.DeletedTS {
				return cur, false
			}
			cur.DeletedTS = rec.DeletedTS
			return cur, true
		})
		if !found {
			// Target outside the loaded pages (or the UPDATE raced ahead of
			// its INSERT): deliberate no-op.
			telemetry.EventsUnmatched.Inc()
			return false, nil
		}
		return applied, nil
	}
	return false, nil
}

// handleFiles attaches a confirmed file row to its owning message. The file
// and message streams have no cross-channel ordering guarantee, so a
// missing parent is a silent no-op; the reconciliation sweep re-announces
// such files later.
func (r *Reconciler) handleFiles(_ context.Context, ev models.Event) (bool, error) {
	if ev.Type != models.EventInsert {
		return false, nil
	}
	var file models.Attachment
	if err := json.Unmarshal(ev.New, &file); err != nil {
		telemetry.EventsDropped.WithLabelValues("decode").Inc()
		return false, fmt.Errorf("invalid file row: %w", err)
	}
	file.Uploading = false
	_, found, applied := r.store.UpdateRecord(r.conversationID, func(c models.Interaction) bool {
		return c.ID != "" && c.ID == file.MessageID
	}, func(msg models.Interaction) (models.Interaction, bool) {
		msg.Files = attachFile(msg.Files, file)
		return msg, true
	})
	if !found {
		return false, nil
	}
	return applied, nil
}

func (r *Reconciler) handleActivities(ctx context.Context, ev models.Event) (bool, error) {
	return r.insertEnriched(ctx, ev, models.KindActivity)
}

func (r *Reconciler) handleReviews(ctx context.Context, ev models.Event) (bool, error) {
	return r.insertEnriched(ctx, ev, models.KindReview)
}

// insertEnriched is the shared author-enrichment + insert-at-page-0 path
// for the append-only tables. No visibility filtering applies here.
func (r *Reconciler) insertEnriched(ctx context.Context, ev models.Event, kind models.Kind) (bool, error) {
	if ev.Type != models.EventInsert {
		return false, nil
	}
	rec, err := decodeInteraction(ev.New, kind)
	if err != nil {
		telemetry.EventsDropped.WithLabelValues("decode").Inc()
		return false, err
	}
	if err := r.enrichAuthor(ctx, &rec); err != nil {
		telemetry.EventsDropped.WithLabelValues("enrichment").Inc()
		return false, err
	}
	rec.Pending = false
	r.store.UpsertRecord(r.conversationID, rec, identity.ByID)
	return true, nil
}

// handleOrders replaces the conversation-level aggregate by identity.
func (r *Reconciler) handleOrders(_ context.Context, ev models.Event) (bool, error) {
	if ev.Type != models.EventUpdate {
		return false, nil
	}
	var o models.Order
	if err := json.Unmarshal(ev.New, &o); err != nil {
		telemetry.EventsDropped.WithLabelValues("decode").Inc()
		return false, fmt.Errorf("invalid order row: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID != r.order.ID && r.order.ID != "" {
		return false, nil
	}
	r.order = o
	return true, nil
}

// enrichAuthor fills rec.Author. Known members resolve locally; otherwise
// the record's author may already appear on a loaded record; the remote
// lookup is the last resort and its failure drops the event.
func (r *Reconciler) enrichAuthor(ctx context.Context, rec *models.Interaction) error {
	if rec.Author != nil || rec.AuthorID == "" {
		return nil
	}
	pi, ri, ok := r.store.Find(r.conversationID, func(c models.Interaction) bool {
		return c.AuthorID == rec.AuthorID && c.Author != nil
	})
	if ok {
		if existing, ok := r.store.Record(r.conversationID, pi, ri); ok {
			rec.Author = existing.Author
			return nil
		}
	}
	m, err := r.members.Lookup(ctx, rec.AuthorID)
	if err != nil {
		return &EnrichmentError{AuthorID: rec.AuthorID, Err: err}
	}
	rec.Author = &m
	return nil
}

func decodeInteraction(raw json.RawMessage, kind models.Kind) (models.Interaction, error) {
	var rec models.Interaction
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("invalid %s row: %w", kind, err)
	}
	if rec.Kind == "" {
		rec.Kind = kind
	}
	return rec, nil
}

// attachFile merges file into files, matching by the file's own temp_id (or
// id) so an optimistically attached file is replaced, not duplicated.
func attachFile(files []models.Attachment, file models.Attachment) []models.Attachment {
	out := append([]models.Attachment(nil), files...)
	for i := range out {
		if (file.TempID != "" && out[i].TempID == file.TempID) ||
			(file.ID != "" && out[i].ID == file.ID) {
			out[i] = file
			return out
		}
	}
	return append(out, file)
}
