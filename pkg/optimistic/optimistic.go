// Package optimistic executes local-first writes: the synthetic record is
// applied to the page store before the network round trip, and a snapshot
// captured beforehand is restored wholesale if the write fails. Rollback
// replaces the whole snapshot rather than computing an inverse diff.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"collabsync/pkg/identity"
	"collabsync/pkg/logger"
	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
	"collabsync/pkg/telemetry"
)

// API is the mutation surface of the backing store.
type API interface {
	// SendMessage persists the message and returns the confirmed record
	// (id and server timestamp assigned, temp_id echoed).
	SendMessage(ctx context.Context, msg models.Interaction) (models.Interaction, error)
	// SoftDeleteMessage sets the deletion marker on a persisted message.
	SoftDeleteMessage(ctx context.Context, conversationID, id string) error
	// CreateFiles persists file records produced by a successful send.
	CreateFiles(ctx context.Context, conversationID string, files []models.Attachment) error
}

// WriteError wraps a failed mutation write. The optimistic state has been
// rolled back by the time the caller sees it; the user must resend.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("%s write failed: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// ErrImmutable is returned for mutation attempts on append-only variants.
var ErrImmutable = errors.New("interaction kind is append-only")

// ErrNotFound is returned when a delete targets a record not in any loaded
// page.
var ErrNotFound = errors.New("message not found in loaded pages")

// SendInput is the user intent behind a send.
type SendInput struct {
	ConversationID string
	Content        string
	Visibility     models.Visibility
	Files          []models.Attachment
}

// Coordinator applies optimistic mutations for one viewer. Mutations on the
// same conversation must be serialized by the caller (the conversation
// aggregate does this); the coordinator itself only guards its limiter pool.
type Coordinator struct {
	store  *pagestore.Store
	api    API
	viewer models.Member

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func NewCoordinator(store *pagestore.Store, api API, viewer models.Member, rps float64, burst int) *Coordinator {
	return &Coordinator{
		store:    store,
		api:      api,
		viewer:   viewer,
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// BuildOptimisticRecord synthesizes the local record applied before the
// server confirms. One constructor for every call site so the synthetic
// shape cannot drift from the confirmed shape the identity resolver relies
// on.
func BuildOptimisticRecord(kind models.Kind, in SendInput, viewer models.Member) models.Interaction {
	tempID := uuid.NewString()
	files := make([]models.Attachment, 0, len(in.Files))
	for _, f := range in.Files {
		f.Uploading = true
		if f.TempID == "" {
			f.TempID = uuid.NewString()
		}
		files = append(files, f)
	}
	vis := in.Visibility
	if vis == "" {
		vis = models.VisibilityPublic
	}
	v := viewer
	return models.Interaction{
		TempID:         tempID,
		Kind:           kind,
		ConversationID: in.ConversationID,
		AuthorID:       viewer.ID,
		Author:         &v,
		CreatedTS:      time.Now().UTC().UnixNano(),
		Pending:        true,
		Content:        in.Content,
		Visibility:     vis,
		Files:          files,
	}
}

// SendMessage applies the synthetic record synchronously, then issues the
// network write. On success the record is left pending; the realtime
// confirmation reconciles it through the same upsert path and clears the
// flag. On failure the pre-mutation snapshot is restored.
func (c *Coordinator) SendMessage(ctx context.Context, in SendInput) (models.Interaction, error) {
	if err := c.limiter(in.ConversationID).Wait(ctx); err != nil {
		return models.Interaction{}, &WriteError{Op: "send", Err: err}
	}

	rec := BuildOptimisticRecord(models.KindMessage, in, c.viewer)
	snap := c.store.GetPages(in.ConversationID)
	c.store.UpsertRecord(in.ConversationID, rec, identity.ByTempID)

	confirmed, err := c.api.SendMessage(ctx, rec)
	if err != nil {
		c.store.Restore(in.ConversationID, snap)
		telemetry.Rollbacks.Inc()
		return models.Interaction{}, &WriteError{Op: "send", Err: err}
	}

	// Hand persisted file records to the follow-up write. The message is
	// committed at this point, so a file failure is logged, not rolled back.
	if len(confirmed.Files) > 0 {
		if err := c.api.CreateFiles(ctx, in.ConversationID, confirmed.Files); err != nil {
			logger.Warn("attachment_write_failed", "conversation", in.ConversationID, "temp_id", rec.TempID, "error", err)
		}
	}
	return rec, nil
}

// DeleteMessage sets the soft-delete marker optimistically and restores the
// snapshot if the write fails. A later realtime UPDATE for the same delete
// is idempotent against the applied state.
func (c *Coordinator) DeleteMessage(ctx context.Context, conversationID, id string) error {
	// pending records carry an empty ID; an empty target must not match them
	if id == "" {
		return ErrNotFound
	}
	pi, ri, ok := c.store.Find(conversationID, func(r models.Interaction) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	rec, _ := c.store.Record(conversationID, pi, ri)
	if !rec.Mutable() {
		return ErrImmutable
	}

	snap := c.store.GetPages(conversationID)
	rec.DeletedTS = time.Now().UTC().UnixNano()
	recs := append([]models.Interaction(nil), snap[pi].Records...)
	recs[ri] = rec
	c.store.ReplacePage(conversationID, pi, recs)

	if err := c.api.SoftDeleteMessage(ctx, conversationID, id); err != nil {
		c.store.Restore(conversationID, snap)
		telemetry.Rollbacks.Inc()
		return &WriteError{Op: "delete", Err: err}
	}
	return nil
}

func (c *Coordinator) limiter(conversationID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[conversationID]; ok {
		return l
	}
	rps := c.rps
	if rps <= 0 {
		rps = 5
	}
	burst := c.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	c.limiters[conversationID] = l
	return l
}
