package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the reference single-file Store backend. Designed for:
//   - Development and testing with zero setup
//   - Single-server deployments
//   - Prototyping before migrating to MySQL
//
// The store enables WAL mode so readers never block behind the writer, and
// pins the pool to a single connection because SQLite supports one writer at
// a time.
type SQLiteStore struct {
	sqlStore
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	name       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	body       BLOB,
	meta       TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS executions (
	execution_id   TEXT PRIMARY KEY,
	workflow_name  TEXT NOT NULL,
	workflow_id    TEXT NOT NULL,
	input          BLOB,
	state          TEXT NOT NULL,
	worker         TEXT,
	output         BLOB,
	error          TEXT,
	checkpoint_seq INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_state ON executions (state, created_at);
CREATE INDEX IF NOT EXISTS idx_executions_worker ON executions (worker);

CREATE TABLE IF NOT EXISTS execution_events (
	execution_id TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	type         TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	name         TEXT NOT NULL,
	value        BLOB,
	timestamp    TIMESTAMP NOT NULL,
	PRIMARY KEY (execution_id, seq)
);

CREATE TABLE IF NOT EXISTS workers (
	name               TEXT PRIMARY KEY,
	session_token_hash TEXT NOT NULL,
	resources          TEXT NOT NULL,
	workflows          TEXT NOT NULL,
	last_seen          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	name       TEXT PRIMARY KEY,
	ciphertext BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_cache (
	task_name    TEXT NOT NULL,
	fingerprint  TEXT NOT NULL,
	value        BLOB,
	created_at   TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP NOT NULL,
	PRIMARY KEY (task_name, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_task_cache_lru ON task_cache (last_used_at);
`

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteCachePolicy bounds the task-output cache.
func WithSQLiteCachePolicy(p CachePolicy) SQLiteOption {
	return func(s *SQLiteStore) { s.cachePolicy = p }
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// One writer at a time; keep the connection alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migration: %w", err)
	}

	s := &SQLiteStore{sqlStore: sqlStore{db: db}, path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ Store = (*SQLiteStore)(nil)
