package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the multi-server Store backend. The DSN must include
// parseTime=true so timestamp columns scan into time.Time.
type MySQLStore struct {
	sqlStore
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		name       VARCHAR(255) NOT NULL,
		version    INT NOT NULL,
		body       LONGBLOB,
		meta       TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		execution_id   VARCHAR(64) NOT NULL,
		workflow_name  VARCHAR(255) NOT NULL,
		workflow_id    VARCHAR(300) NOT NULL,
		input          LONGBLOB,
		state          VARCHAR(16) NOT NULL,
		worker         VARCHAR(255),
		output         LONGBLOB,
		error          TEXT,
		checkpoint_seq BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		PRIMARY KEY (execution_id),
		INDEX idx_executions_state (state, created_at),
		INDEX idx_executions_worker (worker)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_events (
		execution_id VARCHAR(64) NOT NULL,
		seq          BIGINT NOT NULL,
		type         VARCHAR(32) NOT NULL,
		source_id    VARCHAR(512) NOT NULL,
		name         VARCHAR(255) NOT NULL,
		value        LONGBLOB,
		timestamp    TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (execution_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		name               VARCHAR(255) NOT NULL,
		session_token_hash VARCHAR(128) NOT NULL,
		resources          TEXT NOT NULL,
		workflows          TEXT NOT NULL,
		last_seen          TIMESTAMP NOT NULL,
		PRIMARY KEY (name)
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		name       VARCHAR(255) NOT NULL,
		ciphertext BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_cache (
		task_name    VARCHAR(255) NOT NULL,
		fingerprint  VARCHAR(80) NOT NULL,
		value        LONGBLOB,
		created_at   TIMESTAMP NOT NULL,
		last_used_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_name, fingerprint),
		INDEX idx_task_cache_lru (last_used_at)
	)`,
}

// MySQLOption configures a MySQLStore.
type MySQLOption func(*MySQLStore)

// WithMySQLCachePolicy bounds the task-output cache.
func WithMySQLCachePolicy(p CachePolicy) MySQLOption {
	return func(s *MySQLStore) { s.cachePolicy = p }
}

// NewMySQLStore connects to MySQL and runs the auto-migration.
func NewMySQLStore(dsn string, opts ...MySQLOption) (*MySQLStore, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: mysql ping: %v", ErrUnavailable, err)
	}

	for _, ddl := range mysqlSchema {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mysql migration: %w", err)
		}
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db, lockSuffix: " FOR UPDATE"}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ Store = (*MySQLStore)(nil)
