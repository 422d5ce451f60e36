package models

import "encoding/json"

// EventType is the change kind carried by a push notification.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is the push-channel payload. Table names the source table
// (messages, files, activities, reviews, orders); Old and New carry the raw
// row before and after the change, either may be null depending on the kind.
type Event struct {
	Table string          `json:"table"`
	Type  EventType       `json:"event_type"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// PageResult is one page of the paginated historical fetch, grouped by
// source table the way the backing store returns it. NextCursor is the
// strictly-less-than boundary for the next page; zero signals no further
// history.
type PageResult struct {
	Messages       []Interaction `json:"messages"`
	Activities     []Interaction `json:"activities"`
	Reviews        []Interaction `json:"reviews"`
	BriefResponses []Interaction `json:"brief_responses,omitempty"`
	NextCursor     int64         `json:"next_cursor"`
}

// Records flattens the grouped page into one bucket. Order within the
// bucket is not meaningful; the timeline aggregator sorts globally.
func (p PageResult) Records() []Interaction {
	out := make([]Interaction, 0, len(p.Messages)+len(p.Activities)+len(p.Reviews)+len(p.BriefResponses))
	out = append(out, p.Messages...)
	out = append(out, p.Activities...)
	out = append(out, p.Reviews...)
	out = append(out, p.BriefResponses...)
	return out
}
