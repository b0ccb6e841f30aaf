package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore implements Store by holding the last_offset scalar in
// memory rather than in S3. Used by tests that drive the Extractor
// against a real checkpoint/resume flow without touching the object
// store.
type MemoryStore struct {
	state State
	mu    sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load retrieves the current checkpoint state from memory
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

// Save stores the checkpoint state in memory
func (s *MemoryStore) Save(ctx context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}
