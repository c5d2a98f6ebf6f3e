package persona

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is an in-process persona store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	personas map[string]Context
}

// NewInMemoryStore returns a store seeded with seed.
func NewInMemoryStore(seed ...Context) *InMemoryStore {
	s := &InMemoryStore{personas: make(map[string]Context, len(seed))}
	for _, p := range seed {
		s.personas[p.ID] = clone(p)
	}
	return s
}

func (s *InMemoryStore) List(_ context.Context) ([]Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Context, 0, len(s.personas))
	for _, p := range s.personas {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[strings.TrimSpace(id)]
	if !ok {
		return Context{}, ErrNotFound
	}
	return clone(p), nil
}

func (s *InMemoryStore) Save(_ context.Context, p Context) error {
	if err := validate(p); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.ID] = clone(p)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func clone(p Context) Context {
	p.RecentTransactions = append([]Transaction(nil), p.RecentTransactions...)
	return p
}
