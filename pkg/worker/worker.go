package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/pkg/api"
)

// Executor runs one job envelope. api.Engine satisfies it.
//
// ExecuteJob returns nil once the outcome of the job, success or failure,
// is durably recorded. An error means the outcome could not be recorded;
// the job is then left unacknowledged and is redelivered when its lease
// expires.
type Executor interface {
	ExecuteJob(ctx context.Context, job api.Job) error
}

// Config tunes a Worker.
type Config struct {
	// ID identifies the worker as lease owner. Empty means a random UUID.
	ID string
	// Lease is the visibility timeout of dequeued jobs. It must exceed
	// the longest step timeout.
	Lease time.Duration
	// Concurrency is the number of jobs Run processes in parallel.
	Concurrency int
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
	Logger       *slog.Logger
}

// Worker pulls jobs from a Queue and executes them.
type Worker struct {
	exec  Executor
	queue taskqueue.Queue
	cfg   Config
}

// New creates a Worker with default configuration.
func New(exec Executor, queue taskqueue.Queue) *Worker {
	return NewWithConfig(exec, queue, Config{})
}

// NewWithConfig creates a Worker; zero fields of cfg take defaults.
func NewWithConfig(exec Executor, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = taskqueue.DefaultLease
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{exec: exec, queue: queue, cfg: cfg}
}

// ID returns the lease owner name of the worker.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// ProcessOne pulls a single job from the queue and executes it.
// Returns (processed, error):
//   - processed == false: no job was obtained (ctx cancelled or dequeue failed)
//   - processed == true: a job was executed; err reports a failure to
//     record its outcome, in which case the job will be redelivered.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx, w.cfg.ID, w.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	if err := w.exec.ExecuteJob(ctx, *job); err != nil {
		return true, fmt.Errorf("worker: execute job %s (%s): %w", job.ID, job.StepKey, err)
	}

	if err := w.queue.Ack(ctx, job.ID, w.cfg.ID); err != nil {
		if errors.Is(err, taskqueue.ErrLeaseLost) {
			// Someone else owns the redelivery; their run will dedupe.
			w.cfg.Logger.WarnContext(ctx, "job_lease_lost",
				slog.String("job_id", job.ID),
				slog.String("run_id", job.RunID),
				slog.String("step_key", job.StepKey),
			)
			return true, nil
		}
		return true, fmt.Errorf("worker: ack job %s: %w", job.ID, err)
	}
	return true, nil
}

// Run processes jobs with cfg.Concurrency goroutines until ctx is done.
// It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err == nil {
					continue
				}
				w.cfg.Logger.ErrorContext(ctx, "worker_job_failed",
					slog.String("worker_id", w.cfg.ID),
					slog.String("error", err.Error()),
				)
				if !processed {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(w.cfg.ErrorBackoff):
					}
				}
			}
		})
	}
	return g.Wait()
}
