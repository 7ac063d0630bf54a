// Package persistence stores run snapshots in SQLite so an interrupted run
// can resume from its last committed transition. One row per run, one per
// task, an append-only history log, and the planner's live state
// (fingerprints and clarifications); context memory payloads are not
// persisted, only their key index.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNoRun is returned when a run ID has no row.
var ErrNoRun = errors.New("run not found")

// RunStore is the SQLite-backed snapshot store.
type RunStore struct {
	db *sql.DB
}

// Open creates or opens the store at dbPath, creating parent directories as
// needed. WAL mode and a busy timeout come from the connection string;
// foreign keys need a PRAGMA with this driver.
func Open(ctx context.Context, dbPath string) (*RunStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return finishOpen(ctx, db)
}

// OpenMemory opens an in-memory store, for tests. The shared cache lets
// both pooled connections see the same database.
func OpenMemory(ctx context.Context) (*RunStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	return finishOpen(ctx, db)
}

func finishOpen(ctx context.Context, db *sql.DB) (*RunStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// One connection for primary queries, one for the dependency join.
	db.SetMaxOpenConns(2)

	s := &RunStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}
