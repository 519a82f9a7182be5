package persistence

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL,
			idempotency_key TEXT,
			request_hash TEXT NOT NULL,
			cancel_requested BOOLEAN NOT NULL,
			parent_run_id TEXT NOT NULL,
			scope BYTEA,
			policy BYTEA,
			input BYTEA,
			state BYTEA,
			needs_human_edit BOOLEAN NOT NULL,
			artifact_id TEXT NOT NULL,
			error_code TEXT NOT NULL,
			error_message TEXT NOT NULL,
			version BIGINT NOT NULL,
			next_event_seq BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency
			ON runs (org_id, creator_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS runs_project ON runs (project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			ord BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			base_key TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			input_json BYTEA,
			input_hash TEXT NOT NULL,
			output_json BYTEA,
			error_code TEXT NOT NULL,
			error_message TEXT NOT NULL,
			metrics BYTEA,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			finished_at BIGINT,
			UNIQUE (run_id, step_key)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload BYTEA,
			at BIGINT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			parent_run_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			needs_human_edit BOOLEAN NOT NULL,
			issues BYTEA,
			ir BYTEA,
			plan BYTEA,
			created_at BIGINT NOT NULL,
			UNIQUE (project_id, version)
		)`,
	},
}

// NewPostgresStore initializes the schema in db and returns a store backed
// by it.
//
// It expects an *sql.DB that uses the pgx stdlib driver ("pgx").
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, postgresDialect)
}

// OpenPostgres connects to dsn with the pgx driver and returns a store.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: ping postgres: %w", err)
	}
	s, err := NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
