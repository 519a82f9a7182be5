package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
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
			cancel_requested INTEGER NOT NULL,
			parent_run_id TEXT NOT NULL,
			scope BLOB,
			policy BLOB,
			input BLOB,
			state BLOB,
			needs_human_edit INTEGER NOT NULL,
			artifact_id TEXT NOT NULL,
			error_code TEXT NOT NULL,
			error_message TEXT NOT NULL,
			version INTEGER NOT NULL,
			next_event_seq INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency
			ON runs (org_id, creator_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS runs_project ON runs (project_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			ord INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			base_key TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			handler TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			input_json BLOB,
			input_hash TEXT NOT NULL,
			output_json BLOB,
			error_code TEXT NOT NULL,
			error_message TEXT NOT NULL,
			metrics BLOB,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			UNIQUE (run_id, step_key)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB,
			at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			parent_run_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			needs_human_edit INTEGER NOT NULL,
			issues BLOB,
			ir BLOB,
			plan BLOB,
			created_at INTEGER NOT NULL,
			UNIQUE (project_id, version)
		)`,
	},
}

// NewSQLiteStore initializes the schema in db and returns a store backed
// by it.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver. The pool
// is limited to one connection: SQLite serializes writers anyway, and an
// in-memory database exists per connection.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	db.SetMaxOpenConns(1)
	return newSQLStore(db, sqliteDialect)
}

// OpenSQLite opens (or creates) the database at path and returns a store.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("persistence: set journal mode: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: set busy timeout: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
