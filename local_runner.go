package deckflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/petrijr/deckflow/internal/engine"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, an in-memory job queue, and a Worker
// to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := deckflow.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	run, err := runner.RunAndWait(ctx, deckflow.CreateRunRequest{
//	    ProjectID: "p1",
//	    Input:     deckflow.RunInput{Prompt: "Quarterly review"},
//	})
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner. The deck
	// workflow is registered on it.
	Engine Engine

	// Queue is the in-memory job queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes jobs from Queue using Engine.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with default config.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	r, err := NewLocalRunnerWithObserver(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// NewLocalRunnerWithObserver is NewLocalRunner with an Observer attached
// to the engine.
func NewLocalRunnerWithObserver(obs Observer) (*LocalRunner, error) {
	q := taskqueue.NewInMemoryQueue()
	eng, err := engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.NewMemoryPersistence(),
		Queue:       q,
		Observer:    obs,
	})
	if err != nil {
		return nil, err
	}
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.New(eng, q),
	}, nil
}

// StartWorkers starts 'concurrency' worker goroutines that continuously call
// Worker.ProcessOne(ctx) until the context is cancelled via Stop.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("deckflow: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer r.wg.Done()

			for {
				_, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					// A failed job is redelivered after its lease; keep the
					// loop alive.
					slog.Default().WarnContext(ctx, "local_runner_job_failed", slog.String("error", err.Error()))
				}
			}
		}()
	}

	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunAndWait creates a run and waits for it to finish. Workers must be
// started, and runs that require approval need an Approve from another
// goroutine.
func (r *LocalRunner) RunAndWait(ctx context.Context, req CreateRunRequest) (*Run, error) {
	run, _, err := r.Engine.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return WaitForRun(ctx, r.Engine, run.ID)
}
