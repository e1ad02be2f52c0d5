package mandate

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-run agents.
type MemoryStore struct {
	mu       sync.RWMutex
	mandates map[string]Mandate
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mandates: make(map[string]Mandate)}
}

func (s *MemoryStore) Get(_ context.Context, subject string) (*Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[subject]
	if !ok {
		return nil, nil
	}
	out := m
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, m Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mandates[m.Subject] = m
	return nil
}
