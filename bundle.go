package deckflow

import (
	"database/sql"

	"github.com/petrijr/deckflow/internal/engine"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/taskqueue"
	workerpkg "github.com/petrijr/deckflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable job queue, and a Worker
// that consumes jobs from that queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. Runs, steps, events, artifacts and queued jobs
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:deckflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := deckflow.NewSQLiteBundle(db, worker.Config{Concurrency: 4})
//	n, err := deckflow.Recover(ctx, bundle.Engine)
//	go bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	eng, err := engine.NewEngineWithConfig(engine.Config{
		Persistence: store.Persistence(),
		Queue:       q,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}
