// Package unread maintains per-conversation read markers and derives unread
// counts from the fetched timeline. The marker itself lives in a
// collaborator store; this package only does the arithmetic.
package unread

import (
	"context"
	"fmt"

	"collabsync/pkg/models"
	"collabsync/pkg/pagestore"
	"collabsync/pkg/timeline"
)

// MarkerStore persists the per-viewer, per-conversation last-read marker as
// a creation timestamp in UTC nanoseconds. A missing marker reads as zero.
type MarkerStore interface {
	Marker(ctx context.Context, viewerID, conversationID string) (int64, error)
	SetMarker(ctx context.Context, viewerID, conversationID string, ts int64) error
}

// Tracker computes unread counts for one viewer.
type Tracker struct {
	markers MarkerStore
	viewer  models.Member
	role    string
}

func NewTracker(markers MarkerStore, viewer models.Member, role string) *Tracker {
	return &Tracker{markers: markers, viewer: viewer, role: role}
}

// UnreadCount counts records visible to this viewer, authored by someone
// else, created after the last-read marker. Soft-deleted records never
// count.
func (t *Tracker) UnreadCount(ctx context.Context, conversationID string, pages pagestore.Pages) (int, error) {
	marker, err := t.markers.Marker(ctx, t.viewer.ID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load read marker: %w", err)
	}
	n := 0
	for _, rec := range timeline.Flatten(pages) {
		if rec.Deleted() || !timeline.Visible(rec, t.role) {
			continue
		}
		if rec.AuthorID == t.viewer.ID {
			continue
		}
		if rec.CreatedTS > marker {
			n++
		}
	}
	return n, nil
}

// MarkRead advances the marker to the newest visible record in the loaded
// timeline. Triggered both on navigation into a conversation and when the
// view scrolls to the bottom. A no-op when nothing is loaded.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string, pages pagestore.Pages) error {
	latest, ok := timeline.Latest(pages, t.role)
	if !ok {
		return nil
	}
	marker, err := t.markers.Marker(ctx, t.viewer.ID, conversationID)
	if err != nil {
		return fmt.Errorf("load read marker: %w", err)
	}
	if latest.CreatedTS <= marker {
		return nil
	}
	if err := t.markers.SetMarker(ctx, t.viewer.ID, conversationID, latest.CreatedTS); err != nil {
		return fmt.Errorf("advance read marker: %w", err)
	}
	return nil
}
