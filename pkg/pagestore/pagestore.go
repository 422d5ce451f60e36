// Package pagestore holds the ordered collection of fetched pages per
// conversation. Snapshots are immutable: every mutation produces a new Pages
// value that shares the untouched pages with its predecessor, so consumers
// can detect "nothing changed" by comparing slices for identity and a
// captured snapshot is a valid rollback target forever.
package pagestore

import (
	"sync"

	"collabsync/pkg/identity"
	"collabsync/pkg/models"
)

// Page is one window of fetched records plus the pagination cursor for the
// next (older) window. Page index 0 always holds the newest window; new
// inserts land there regardless of where the record would belong
// chronologically, and the timeline aggregator restores global order.
type Page struct {
	Records    []models.Interaction
	NextCursor int64
}

// Pages is an immutable snapshot of a conversation's fetched history,
// newest window first.
type Pages []Page

// NextCursor returns the cursor of the oldest fetched page, or zero when
// there is no further history (or nothing fetched yet).
func (p Pages) NextCursor() int64 {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].NextCursor
}

// Store owns the page snapshots, partitioned by conversation id. All
// operations are pure transforms over the current snapshot; the only
// non-error outcome of a failed lookup is an insert.
type Store struct {
	mu    sync.RWMutex
	convs map[string]Pages
}

func NewStore() *Store {
	return &Store{convs: make(map[string]Pages)}
}

// GetPages returns the current snapshot for the conversation. The returned
// value is never mutated afterwards; callers may hold it indefinitely.
func (s *Store) GetPages(conversationID string) Pages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[conversationID]
}

// Restore replaces the conversation's snapshot with a previously captured
// one. Used by optimistic rollback.
func (s *Store) Restore(conversationID string, snap Pages) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conversationID] = snap
}

// Drop discards all state for a conversation. Called on teardown.
func (s *Store) Drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
}

// ReplacePage produces a new snapshot with one page's record bucket swapped
// out. Pages other than pageIndex are shared with the previous snapshot.
// Out-of-range indexes leave the snapshot untouched.
func (s *Store) ReplacePage(conversationID string, pageIndex int, records []models.Interaction) Pages {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.convs[conversationID]
	next := replacePage(cur, pageIndex, records)
	s.convs[conversationID] = next
	return next
}

// AppendPage adds an older page at the tail, consistent with
// strictly-less-than cursor semantics.
func (s *Store) AppendPage(conversationID string, page Page) Pages {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.convs[conversationID]
	next := make(Pages, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, page)
	s.convs[conversationID] = next
	return next
}

// PrependPage adds a newer page at the head, for fetches that move forward
// in time. Existing pages shift down one index.
func (s *Store) PrependPage(conversationID string, page Page) Pages {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.convs[conversationID]
	next := make(Pages, 0, len(cur)+1)
	next = append(next, page)
	next = append(next, cur...)
	s.convs[conversationID] = next
	return next
}

// UpsertRecord locates the record matching rec via the identity resolver and
// replaces it in place, preserving its page and position. Unmatched records
// append to page 0; when nothing has been fetched yet a fresh page 0 is
// created. Returns the new snapshot.
func (s *Store) UpsertRecord(conversationID string, rec models.Interaction, key identity.Key) Pages {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.convs[conversationID]

	for pi := range cur {
		ri := identity.Resolve(key, rec, cur[pi].Records)
		if ri < 0 {
			continue
		}
		recs := cloneRecords(cur[pi].Records)
		recs[ri] = rec
		next := replacePage(cur, pi, recs)
		s.convs[conversationID] = next
		return next
	}

	if len(cur) == 0 {
		next := Pages{{Records: []models.Interaction{rec}}}
		s.convs[conversationID] = next
		return next
	}
	recs := cloneRecords(cur[0].Records)
	recs = append(recs, rec)
	next := replacePage(cur, 0, recs)
	s.convs[conversationID] = next
	return next
}

// UpdateRecord atomically rewrites the first record satisfying match with
// the result of apply, holding the lock across locate and replace so a
// concurrent Restore or upsert can never invalidate the position. apply
// returns the replacement and whether to commit it; found reports whether
// any record matched at all.
func (s *Store) UpdateRecord(conversationID string, match func(models.Interaction) bool, apply func(models.Interaction) (models.Interaction, bool)) (next Pages, found, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.convs[conversationID]
	for pi := range cur {
		for ri := range cur[pi].Records {
			if !match(cur[pi].Records[ri]) {
				continue
			}
			rec, commit := apply(cur[pi].Records[ri])
			if !commit {
				return cur, true, false
			}
			recs := cloneRecords(cur[pi].Records)
			recs[ri] = rec
			next = replacePage(cur, pi, recs)
			s.convs[conversationID] = next
			return next, true, true
		}
	}
	return cur, false, false
}

// Find returns the page and record indexes of the first record satisfying
// match, scanning all pages newest-first.
func (s *Store) Find(conversationID string, match func(models.Interaction) bool) (pageIndex, recordIndex int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.convs[conversationID]
	for pi := range cur {
		for ri := range cur[pi].Records {
			if match(cur[pi].Records[ri]) {
				return pi, ri, true
			}
		}
	}
	return -1, -1, false
}

// Record returns a copy of the record at the given position in the current
// snapshot.
func (s *Store) Record(conversationID string, pageIndex, recordIndex int) (models.Interaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.convs[conversationID]
	if pageIndex < 0 || pageIndex >= len(cur) {
		return models.Interaction{}, false
	}
	recs := cur[pageIndex].Records
	if recordIndex < 0 || recordIndex >= len(recs) {
		return models.Interaction{}, false
	}
	return recs[recordIndex], true
}

func replacePage(cur Pages, pageIndex int, records []models.Interaction) Pages {
	if pageIndex < 0 || pageIndex >= len(cur) {
		return cur
	}
	next := make(Pages, len(cur))
	copy(next, cur)
	next[pageIndex] = Page{Records: records, NextCursor: cur[pageIndex].NextCursor}
	return next
}

func cloneRecords(in []models.Interaction) []models.Interaction {
	out := make([]models.Interaction, len(in))
	copy(out, in)
	return out
}
