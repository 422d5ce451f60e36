// Package conversation owns the lifecycle of one synchronized feed: initial
// fetch, older-page loads, optimistic writes, and the realtime pump feeding
// a single reconcile worker. All state mutation for a conversation flows
// through that one worker or through the aggregate's mutex, so handlers
// never race each other.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collabsync/pkg/logger"
	"collabsync/pkg/members"
	"collabsync/pkg/models"
	"collabsync/pkg/optimistic"
	"collabsync/pkg/pagestore"
	"collabsync/pkg/realtime"
	"collabsync/pkg/reconcile"
	"collabsync/pkg/telemetry"
	"collabsync/pkg/timeline"
	"collabsync/pkg/unread"
)

// Fetcher pages through stored history. cursor zero means newest; the
// returned NextCursor is zero when no older history remains.
type Fetcher interface {
	FetchPage(ctx context.Context, conversationID string, cursor int64, limit int) (models.PageResult, error)
}

// OrderFetcher optionally loads the conversation-level aggregate at open.
type OrderFetcher interface {
	FetchOrder(ctx context.Context, id string) (models.Order, error)
}

// FetchError wraps a fetch that kept failing after all retries.
type FetchError struct {
	ConversationID string
	Attempts       int
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch for %s failed after %d attempts: %v", e.ConversationID, e.Attempts, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }

// ErrClosed is returned for operations on a closed conversation.
var ErrClosed = errors.New("conversation closed")

// Deps carries the collaborators a session wires into each conversation.
type Deps struct {
	Fetcher Fetcher
	API     optimistic.API
	Members *members.Directory
	Markers unread.MarkerStore
	Hub     *realtime.Hub

	Viewer     models.Member
	ViewerRole string

	PageLimit     int
	QueueCapacity int
	FetchRetries  int
	FetchBackoff  time.Duration
	SendRPS       float64
	SendBurst     int
	Loc           *time.Location
}

func (d *Deps) defaults() {
	if d.PageLimit <= 0 {
		d.PageLimit = 20
	}
	if d.QueueCapacity <= 0 {
		d.QueueCapacity = 256
	}
	if d.FetchRetries <= 0 {
		d.FetchRetries = 3
	}
	if d.FetchBackoff <= 0 {
		d.FetchBackoff = 250 * time.Millisecond
	}
	if d.Loc == nil {
		d.Loc = time.Local
	}
}

// Conversation is one open, live-updating feed.
type Conversation struct {
	id   string
	deps Deps

	store   *pagestore.Store
	rec     *reconcile.Reconciler
	coord   *optimistic.Coordinator
	tracker *unread.Tracker

	queue *reconcile.Queue
	sub   *realtime.Subscriber
	stop  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	// generation invalidates in-flight fetches across Close.
	generation uint64
}

// Open fetches the newest page, seeds the page store, and starts the
// realtime pump and its reconcile worker. The returned conversation must be
// Closed when no longer viewed.
func Open(ctx context.Context, id string, deps Deps) (*Conversation, error) {
	deps.defaults()
	c := &Conversation{
		id:    id,
		deps:  deps,
		store: pagestore.NewStore(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	c.rec = reconcile.New(id, c.store, deps.Members)
	c.coord = optimistic.NewCoordinator(c.store, deps.API, deps.Viewer, deps.SendRPS, deps.SendBurst)
	c.tracker = unread.NewTracker(deps.Markers, deps.Viewer, deps.ViewerRole)

	res, err := c.fetch(ctx, 0)
	if err != nil {
		return nil, err
	}
	c.store.AppendPage(id, pagestore.Page{Records: res.Records(), NextCursor: res.NextCursor})

	if of, ok := deps.Fetcher.(OrderFetcher); ok {
		if o, oerr := of.FetchOrder(ctx, id); oerr == nil {
			c.rec.SetOrder(o)
		}
	}

	c.queue = reconcile.NewQueue(deps.QueueCapacity)
	if deps.Hub != nil {
		c.sub = deps.Hub.Subscribe(realtime.ConversationSubscriptions(id), deps.QueueCapacity)
		go c.pump()
	}
	go func() {
		defer close(c.done)
		c.queue.RunWorker(c.stop, func(frame []byte) error {
			return c.rec.HandleFrame(context.Background(), frame)
		})
	}()
	logger.Info("conversation_opened", "conversation", id, "records", len(res.Records()), "next_cursor", res.NextCursor)
	return c, nil
}

// pump copies hub events into the bounded queue. Overflow drops the event;
// the counters record it and the store converges on the next fetch.
func (c *Conversation) pump() {
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.sub.C:
			if !ok {
				return
			}
			frame, err := realtime.EncodeEvent(ev)
			if err != nil {
				continue
			}
			if err := c.queue.TryEnqueue(frame); err != nil {
				logger.Warn("event_dropped", "conversation", c.id, "table", ev.Table, "error", err)
			}
		}
	}
}

func (c *Conversation) fetch(ctx context.Context, cursor int64) (models.PageResult, error) {
	var last error
	for attempt := 1; attempt <= c.deps.FetchRetries; attempt++ {
		res, err := c.deps.Fetcher.FetchPage(ctx, c.id, cursor, c.deps.PageLimit)
		if err == nil {
			return res, nil
		}
		last = err
		telemetry.FetchRetries.Inc()
		logger.Warn("fetch_retry", "conversation", c.id, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return models.PageResult{}, &FetchError{ConversationID: c.id, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(c.deps.FetchBackoff * time.Duration(attempt)):
		}
	}
	return models.PageResult{}, &FetchError{ConversationID: c.id, Attempts: c.deps.FetchRetries, Err: last}
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Pages returns the current snapshot.
func (c *Conversation) Pages() pagestore.Pages { return c.store.GetPages(c.id) }

// LoadOlder fetches the page below the oldest loaded one and appends it.
// Returns false when no older history remains. A result landing after Close
// is discarded.
func (c *Conversation) LoadOlder(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	cursor := c.store.GetPages(c.id).NextCursor()
	gen := atomic.LoadUint64(&c.generation)
	c.mu.Unlock()

	if cursor == 0 {
		return false, nil
	}
	res, err := c.fetch(ctx, cursor)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || atomic.LoadUint64(&c.generation) != gen {
		return false, nil
	}
	// The cursor may have moved if another load won the race; re-check so a
	// duplicate page is never appended.
	if c.store.GetPages(c.id).NextCursor() != cursor {
		return true, nil
	}
	c.store.AppendPage(c.id, pagestore.Page{Records: res.Records(), NextCursor: res.NextCursor})
	telemetry.PagesFetched.Inc()
	return true, nil
}

// SendMessage applies the optimistic record and issues the write. The
// returned record is the local pending copy; confirmation arrives through
// the realtime pump.
func (c *Conversation) SendMessage(ctx context.Context, content string, vis models.Visibility, files []models.Attachment) (models.Interaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.Interaction{}, ErrClosed
	}
	return c.coord.SendMessage(ctx, optimistic.SendInput{
		ConversationID: c.id,
		Content:        content,
		Visibility:     vis,
		Files:          files,
	})
}

// DeleteMessage soft-deletes a loaded message.
func (c *Conversation) DeleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.coord.DeleteMessage(ctx, c.id, id)
}

// Timeline returns the viewer's day-grouped view of the loaded pages.
func (c *Conversation) Timeline() []timeline.DayGroup {
	return timeline.Aggregate(c.store.GetPages(c.id), c.deps.ViewerRole, c.deps.Loc)
}

// Latest returns the newest record visible to the viewer, for previews.
func (c *Conversation) Latest() (models.Interaction, bool) {
	return timeline.Latest(c.store.GetPages(c.id), c.deps.ViewerRole)
}

// Unread counts visible records newer than the viewer's read marker.
func (c *Conversation) Unread(ctx context.Context) (int, error) {
	return c.tracker.UnreadCount(ctx, c.id, c.store.GetPages(c.id))
}

// MarkRead advances the viewer's read marker to the newest visible record.
func (c *Conversation) MarkRead(ctx context.Context) error {
	return c.tracker.MarkRead(ctx, c.id, c.store.GetPages(c.id))
}

// Order returns the last seen conversation aggregate.
func (c *Conversation) Order() models.Order { return c.rec.Order() }

// DroppedEvents reports events lost to queue or subscriber overflow.
func (c *Conversation) DroppedEvents() uint64 {
	var n uint64
	if c.sub != nil {
		n += c.sub.Dropped()
	}
	n += c.queue.Dropped()
	return n
}

// Close stops the pump, drains the queue, and invalidates in-flight
// fetches. Idempotent.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	atomic.AddUint64(&c.generation, 1)
	c.mu.Unlock()

	if c.sub != nil {
		c.deps.Hub.Unsubscribe(c.sub)
	}
	close(c.stop)
	<-c.done
	c.queue.CloseAndDrain()
	c.store.Drop(c.id)
	logger.Info("conversation_closed", "conversation", c.id)
}
