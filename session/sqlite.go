package session

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	metadata   TEXT
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	workflow    TEXT NOT NULL,
	input       TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	started_at  INTEGER,
	finished_at INTEGER,
	result      TEXT,
	error       TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, created_at);
`

// SQLiteStore persists threads and runs in a SQLite database file.
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("session: init sqlite: %w", err)
		}
	}
	return &SQLiteStore{sqlStore{db: db, dialect: sqliteDialect}}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
