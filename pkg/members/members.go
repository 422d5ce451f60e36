// Package members is the member directory collaborator: a read-only shared
// cache of user records with an optional remote resolver for authors not yet
// known locally.
package members

import (
	"context"
	"errors"
	"sync"

	"collabsync/pkg/models"
)

// ErrNotFound is returned when an id resolves to no member anywhere.
var ErrNotFound = errors.New("member not found")

// Resolver fetches a member from a remote source. It is consulted only on a
// local miss and its result is cached.
type Resolver func(ctx context.Context, id string) (models.Member, error)

// Directory caches members by id.
type Directory struct {
	mu      sync.RWMutex
	byID    map[string]models.Member
	resolve Resolver
}

func NewDirectory(seed []models.Member, resolve Resolver) *Directory {
	d := &Directory{byID: make(map[string]models.Member, len(seed)), resolve: resolve}
	for _, m := range seed {
		d.byID[m.ID] = m
	}
	return d
}

// Add inserts or refreshes a member.
func (d *Directory) Add(m models.Member) {
	if m.ID == "" {
		return
	}
	d.mu.Lock()
	d.byID[m.ID] = m
	d.mu.Unlock()
}

// Lookup returns the member for id, consulting the resolver on a local
// miss. Resolved members are cached for subsequent lookups.
func (d *Directory) Lookup(ctx context.Context, id string) (models.Member, error) {
	d.mu.RLock()
	m, ok := d.byID[id]
	d.mu.RUnlock()
	if ok {
		return m, nil
	}
	if d.resolve == nil {
		return models.Member{}, ErrNotFound
	}
	m, err := d.resolve(ctx, id)
	if err != nil {
		return models.Member{}, err
	}
	d.Add(m)
	return m, nil
}
