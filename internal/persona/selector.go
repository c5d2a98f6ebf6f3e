package persona

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Selector tracks which persona the next session speaks to.
type Selector struct {
	store Store

	mu      sync.RWMutex
	current string
}

func NewSelector(store Store, initial string) *Selector {
	if strings.TrimSpace(initial) == "" {
		initial = DefaultID
	}
	return &Selector{store: store, current: initial}
}

func (s *Selector) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Current loads the selected persona. A missing persona yields (nil, nil) so
// the session runs with base instructions only.
func (s *Selector) Current(ctx context.Context) (*Context, error) {
	id := s.CurrentID()
	if id == "" || s.store == nil {
		return nil, nil
	}
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Select switches the current persona; it must exist in the store.
func (s *Selector) Select(ctx context.Context, id string) (Context, error) {
	id = strings.TrimSpace(id)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Context{}, err
	}
	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return p, nil
}

// Instructions renders the session prompt for the current persona.
func (s *Selector) Instructions(ctx context.Context, base string) (string, error) {
	p, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	return Instructions(base, p), nil
}
