package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/energy-market/internal/ledger"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

func (s *MemoryStore) Load(_ context.Context, market string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[market]
	if !ok {
		return Snapshot{}, fmt.Errorf("market %s: %w", market, ErrNotFound)
	}
	// Hand out a copy to avoid external mutation.
	return Snapshot{Ledger: snap.Ledger.Clone(), Version: snap.Version}, nil
}

func (s *MemoryStore) Save(_ context.Context, market string, l ledger.Ledger, expected int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshots[market].Version
	if current != expected {
		return current, fmt.Errorf("market %s at version %d, expected %d: %w", market, current, expected, ErrVersionConflict)
	}
	next := current + 1
	s.snapshots[market] = Snapshot{Ledger: l.Clone(), Version: next}
	return next, nil
}
