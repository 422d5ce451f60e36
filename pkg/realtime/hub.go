// Package realtime is the push channel: a hub fanning committed changes out
// to per-table subscriptions, plus a websocket client for remote consumers.
package realtime

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"collabsync/pkg/logger"
	"collabsync/pkg/models"
	"collabsync/pkg/telemetry"
)

// Subscription watches one table filtered by a single column equality,
// "<column>=eq.<value>". One subscription per watched table per
// conversation.
type Subscription struct {
	Table  string
	Filter string
}

// FilterEquals builds the canonical filter string.
func FilterEquals(column, value string) string {
	return column + "=eq." + value
}

func (s Subscription) match(table string, row map[string]string) bool {
	if s.Table != table {
		return false
	}
	if s.Filter == "" {
		return true
	}
	col, val, ok := parseFilter(s.Filter)
	if !ok {
		return false
	}
	return row[col] == val
}

func parseFilter(filter string) (column, value string, ok bool) {
	i := strings.Index(filter, "=eq.")
	if i <= 0 {
		return "", "", false
	}
	return filter[:i], filter[i+len("=eq."):], true
}

// Subscriber receives events matching any of its subscriptions. Delivery is
// non-blocking: a full subscriber drops the event and counts it, keeping
// the hub available for everyone else.
type Subscriber struct {
	C       chan models.Event
	subs    []Subscription
	dropped uint64
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscriber) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Hub routes committed changes to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for the given subscriptions. buffer is
// the channel depth; events past a full buffer are dropped.
func (h *Hub) Subscribe(subs []Subscription, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscriber{C: make(chan models.Event, buffer), subs: append([]Subscription(nil), subs...)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe detaches the subscriber and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		close(s.C)
	}
}

// Publish delivers ev to every subscriber whose subscriptions match the
// event's table and row attributes. row carries the filterable columns of
// the changed row (e.g. conversation_id, id).
func (h *Hub) Publish(ev models.Event, row map[string]string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !matchAny(s.subs, ev.Table, row) {
			continue
		}
		select {
		case s.C <- ev:
		default:
			atomic.AddUint64(&s.dropped, 1)
			telemetry.EventsDropped.WithLabelValues("subscriber_full").Inc()
			logger.Warn("subscriber_overflow", "table", ev.Table)
		}
	}
}

func matchAny(subs []Subscription, table string, row map[string]string) bool {
	for _, sub := range subs {
		if sub.match(table, row) {
			return true
		}
	}
	return false
}

// ConversationSubscriptions builds the standard watch set for one
// conversation: every interaction table filtered by conversation id, plus
// the order aggregate filtered by its own id.
func ConversationSubscriptions(conversationID string) []Subscription {
	return []Subscription{
		{Table: "messages", Filter: FilterEquals("conversation_id", conversationID)},
		{Table: "files", Filter: FilterEquals("conversation_id", conversationID)},
		{Table: "activities", Filter: FilterEquals("conversation_id", conversationID)},
		{Table: "reviews", Filter: FilterEquals("conversation_id", conversationID)},
		{Table: "orders", Filter: FilterEquals("id", conversationID)},
	}
}

// String implements a compact description used in subscription logs.
func (s Subscription) String() string {
	return fmt.Sprintf("%s[%s]", s.Table, s.Filter)
}
