package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the ephemeral EpisodeStore. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Save stores a copy of state.
func (s *MemoryStore) Save(_ context.Context, id string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = append([]byte(nil), state...)
	return nil
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(_ context.Context, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), state...), true, nil
}

// Delete removes id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

// ListIDs returns stored ids in lexical order.
func (s *MemoryStore) ListIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
