package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/energy-market/internal/ledger"
)

// PostgresSchema creates the snapshot table. Run it once at startup.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_snapshots (
	market     TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	ledger     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The ledger is kept as JSONB; jsonb numbers are NUMERIC so uint64 amounts
// round-trip exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate ledger_snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, market string) (Snapshot, error) {
	var (
		data    []byte
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT ledger::TEXT, version FROM ledger_snapshots WHERE market = $1`, market).
		Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("market %s: %w", market, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load market %s: %w", market, err)
	}

	l, err := decodeLedger(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load market %s: %w", market, err)
	}
	return Snapshot{Ledger: l, Version: version}, nil
}

func (s *PostgresStore) Save(ctx context.Context, market string, l ledger.Ledger, expected int64) (int64, error) {
	data, err := encodeLedger(l)
	if err != nil {
		return 0, err
	}

	var tag int64
	if expected == 0 {
		res, err := s.pool.Exec(ctx,
			`INSERT INTO ledger_snapshots (market, version, ledger, updated_at)
			 VALUES ($1, 1, $2::JSONB, now())
			 ON CONFLICT (market) DO NOTHING`,
			market, string(data))
		if err != nil {
			return 0, fmt.Errorf("save market %s: %w", market, err)
		}
		tag = res.RowsAffected()
	} else {
		res, err := s.pool.Exec(ctx,
			`UPDATE ledger_snapshots
			 SET version = version + 1, ledger = $2::JSONB, updated_at = now()
			 WHERE market = $1 AND version = $3`,
			market, string(data), expected)
		if err != nil {
			return 0, fmt.Errorf("save market %s: %w", market, err)
		}
		tag = res.RowsAffected()
	}

	if tag == 0 {
		return 0, fmt.Errorf("market %s expected version %d: %w", market, expected, ErrVersionConflict)
	}
	return expected + 1, nil
}
