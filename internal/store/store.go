// Package store defines the persistence interface for ledger snapshots.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache) and in-memory (for testing and development).
//
// A market's whole ledger is stored as one versioned snapshot. Save takes the
// version the caller loaded and fails with ErrVersionConflict if another
// writer got there first, so a result computed from stale state is never
// persisted.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atmx/energy-market/internal/ledger"
)

var (
	// ErrNotFound is returned by Load when no snapshot exists for a market.
	ErrNotFound = errors.New("store: snapshot not found")

	// ErrVersionConflict is returned by Save when the stored version is not
	// the one the caller expected.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Snapshot is a persisted ledger with its optimistic-concurrency version.
// Version 0 means nothing has been stored yet.
type Snapshot struct {
	Ledger  ledger.Ledger
	Version int64
}

// Store is the persistence interface.
type Store interface {
	// Load returns the latest snapshot for a market.
	Load(ctx context.Context, market string) (Snapshot, error)

	// Save stores l as the next version of a market's ledger. expected is
	// the version l was derived from (0 for a first save). It returns the
	// new version.
	Save(ctx context.Context, market string, l ledger.Ledger, expected int64) (int64, error)
}

// LoadOrInit returns the stored snapshot, or an initialized empty ledger at
// version 0 when the market has never been saved.
func LoadOrInit(ctx context.Context, s Store, market string) (Snapshot, error) {
	snap, err := s.Load(ctx, market)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{Ledger: ledger.Initialize()}, nil
	}
	return snap, err
}

// encodeLedger is the snapshot wire format shared by every backend.
func encodeLedger(l ledger.Ledger) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return data, nil
}

func decodeLedger(data []byte) (ledger.Ledger, error) {
	var l ledger.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return ledger.Ledger{}, fmt.Errorf("decode ledger: %w", err)
	}
	// Snapshots written before any entry existed may carry nulls.
	empty := ledger.Initialize()
	if l.Participants == nil {
		l.Participants = empty.Participants
	}
	if l.Lots == nil {
		l.Lots = empty.Lots
	}
	if l.Demands == nil {
		l.Demands = empty.Demands
	}
	if l.Trades == nil {
		l.Trades = empty.Trades
	}
	return l, nil
}
