package api

import "context"

// Engine is the run control surface plus the worker entry point.
type Engine interface {
	// RegisterWorkflow validates and registers a workflow definition.
	RegisterWorkflow(def WorkflowDefinition) error

	// RegisterHandler binds a handler name used by step definitions.
	RegisterHandler(name string, h StepHandler) error

	// CreateRun creates and starts a run. A repeated call with the same
	// (org, creator, idempotency key) returns the original run and
	// created=false.
	CreateRun(ctx context.Context, req CreateRunRequest) (run *Run, created bool, err error)

	// Regenerate creates a new run linked to a finished parent run that
	// only reworks the slides named in the scope.
	Regenerate(ctx context.Context, req RegenerateRequest) (run *Run, created bool, err error)

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListSteps(ctx context.Context, runID string) ([]*RunStep, error)

	// Approve releases a run parked at an approval gate. Runs that are not
	// waiting for approval fail with CodeRunNotApprovable.
	Approve(ctx context.Context, runID string) (*Run, error)

	// Cancel requests cooperative cancellation. In-flight steps finish; the
	// run becomes cancelled at the next step boundary.
	Cancel(ctx context.Context, runID string) (*Run, error)

	// ExecuteJob runs one job envelope. Workers call it.
	ExecuteJob(ctx context.Context, job Job) error

	// Events returns stored events with seq > afterSeq.
	Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]RunEvent, error)

	// Subscribe replays events after afterSeq and then follows new ones
	// until ctx is done.
	Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan RunEvent, error)

	GetArtifact(ctx context.Context, id string) (*ArtifactVersion, error)
	ListArtifacts(ctx context.Context, projectID string) ([]*ArtifactVersion, error)

	// Recover re-enqueues work of non-terminal runs after a restart and
	// returns the number of jobs enqueued.
	Recover(ctx context.Context) (int, error)
}
