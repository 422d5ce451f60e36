package conversation

import (
	"context"
	"sync"
)

// Session tracks the conversations one viewer has open. Activate models a
// user switching views: opening the target and tearing everything else
// down, so stale subscriptions never mutate a feed the viewer left.
type Session struct {
	deps Deps

	mu    sync.Mutex
	convs map[string]*Conversation
}

func NewSession(deps Deps) *Session {
	deps.defaults()
	return &Session{deps: deps, convs: make(map[string]*Conversation)}
}

// Open returns the already-open conversation or opens it fresh.
func (s *Session) Open(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	if c, ok := s.convs[id]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c, err := Open(ctx, id, s.deps)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.convs[id]; ok {
		// Lost the race to a concurrent Open; keep the winner.
		go c.Close()
		return prior, nil
	}
	s.convs[id] = c
	return c, nil
}

// Activate opens id and closes every other conversation in the session.
func (s *Session) Activate(ctx context.Context, id string) (*Conversation, error) {
	c, err := s.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	var stale []*Conversation
	for otherID, other := range s.convs {
		if otherID != id {
			stale = append(stale, other)
			delete(s.convs, otherID)
		}
	}
	s.mu.Unlock()
	for _, other := range stale {
		other.Close()
	}
	return c, nil
}

// Get returns an open conversation, nil when not open.
func (s *Session) Get(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

// Close closes one conversation.
func (s *Session) Close(id string) {
	s.mu.Lock()
	c, ok := s.convs[id]
	delete(s.convs, id)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll tears down the whole session.
func (s *Session) CloseAll() {
	s.mu.Lock()
	convs := s.convs
	s.convs = make(map[string]*Conversation)
	s.mu.Unlock()
	for _, c := range convs {
		c.Close()
	}
}
