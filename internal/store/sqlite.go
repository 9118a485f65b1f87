package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/atmx/energy-market/internal/ledger"
)

// SQLiteStore implements Store on a single-file SQLite database, for
// single-node deployments without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path with WAL enabled
// and ensures the snapshot table exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps the version check and the write in the same
	// serialized section.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_snapshots (
			market     TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			ledger     BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger_snapshots: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context, market string) (Snapshot, error) {
	var (
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT ledger, version FROM ledger_snapshots WHERE market = ?", market).
		Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) Save(ctx context.Context, market string, l ledger.Ledger, expected int64) (int64, error) {
	data, err := encodeLedger(l)
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixNano()

	var res sql.Result
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			"INSERT INTO ledger_snapshots (market, version, ledger, updated_at) VALUES (?, 1, ?, ?) ON CONFLICT(market) DO NOTHING",
			market, data, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE ledger_snapshots SET version = version + 1, ledger = ?, updated_at = ? WHERE market = ? AND version = ?",
			data, now, market, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("save market %s: %w", market, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save market %s: %w", market, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("market %s expected version %d: %w", market, expected, ErrVersionConflict)
	}
	return expected + 1, nil
}
