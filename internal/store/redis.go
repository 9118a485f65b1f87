package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/energy-market/internal/ledger"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Successful saves refresh the cached snapshot; conflicts invalidate it so the
// next load goes to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

type cachedSnapshot struct {
	Version int64           `json:"version"`
	Ledger  json.RawMessage `json:"ledger"`
}

func (s *CachedStore) Load(ctx context.Context, market string) (Snapshot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, snapshotKey(market)).Bytes()
	if err == nil {
		var c cachedSnapshot
		if json.Unmarshal(data, &c) == nil {
			if l, err := decodeLedger(c.Ledger); err == nil {
				return Snapshot{Ledger: l, Version: c.Version}, nil
			}
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.Load(ctx, market)
	if err != nil {
		return Snapshot{}, err
	}
	s.cacheSnapshot(ctx, market, snap)
	return snap, nil
}

func (s *CachedStore) Save(ctx context.Context, market string, l ledger.Ledger, expected int64) (int64, error) {
	version, err := s.primary.Save(ctx, market, l, expected)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.rdb.Del(ctx, snapshotKey(market))
		}
		return version, err
	}
	s.cacheSnapshot(ctx, market, Snapshot{Ledger: l, Version: version})
	return version, nil
}

// Invalidate drops the cached snapshot for a market.
func (s *CachedStore) Invalidate(ctx context.Context, market string) error {
	return s.rdb.Del(ctx, snapshotKey(market)).Err()
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, market string, snap Snapshot) {
	body, err := encodeLedger(snap.Ledger)
	if err != nil {
		return
	}
	data, err := json.Marshal(cachedSnapshot{Version: snap.Version, Ledger: body})
	if err != nil {
		return
	}
	s.rdb.Set(ctx, snapshotKey(market), data, s.ttl)
}

func snapshotKey(market string) string { return fmt.Sprintf("ledger:%s", market) }
