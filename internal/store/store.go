package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/coilworks/coil/pkg/config"
)

// Store is the Postgres-backed persistence layer for runs, artifacts,
// evaluations, agent configurations, fix records and the audit log.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and initializes the schema.
func New(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an existing connection, initializing the schema.
// Used by tests running against a disposable database.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health verifies database connectivity.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// initSchema creates the tables.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		user_id TEXT,
		project_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		context_json TEXT,
		parent_run_id TEXT,
		iteration_count INTEGER NOT NULL DEFAULT 0,
		closed_loop_status TEXT NOT NULL DEFAULT 'none',
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		type TEXT NOT NULL,
		title TEXT,
		content TEXT NOT NULL,
		metadata_json TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		task_type TEXT NOT NULL,
		metric_scores_json TEXT NOT NULL,
		overall DOUBLE PRECISION NOT NULL,
		needs_fix BOOLEAN NOT NULL,
		notes TEXT,
		consensus_json TEXT,
		final_score DOUBLE PRECISION,
		user_rating INTEGER,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_configurations (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		prompt_template TEXT,
		temperature DOUBLE PRECISION NOT NULL,
		max_tokens INTEGER NOT NULL,
		tool_config_json TEXT,
		version INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (agent_name, version)
	);

	CREATE TABLE IF NOT EXISTS fix_records (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		before_content TEXT NOT NULL,
		after_content TEXT NOT NULL,
		fix_notes TEXT,
		diff_summary TEXT,
		pre_fix_score DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		action TEXT NOT NULL,
		from_version INTEGER,
		to_version INTEGER,
		reason TEXT,
		changes TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS context_usage (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		slices_json TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_agent_name ON runs(agent_name, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id);
	CREATE INDEX IF NOT EXISTS idx_configs_active ON agent_configurations(agent_name) WHERE is_active;
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
