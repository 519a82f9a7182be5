package deckflow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/petrijr/deckflow/internal/engine"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = api.Engine
	Run                = api.Run
	RunStatus          = api.RunStatus
	RunStep            = api.RunStep
	RunEvent           = api.RunEvent
	RunInput           = api.RunInput
	RunFilter          = api.RunFilter
	CreateRunRequest   = api.CreateRunRequest
	RegenerateRequest  = api.RegenerateRequest
	PolicyOverrides    = api.PolicyOverrides
	ArtifactVersion    = api.ArtifactVersion
	WorkflowDefinition = api.WorkflowDefinition
	StepDefinition     = api.StepDefinition
	StepType           = api.StepType
	StepHandler        = api.StepHandler
	StepHandlerFunc    = api.StepHandlerFunc
	StepContext        = api.StepContext
	StepResult         = api.StepResult
	RetryPolicy        = api.RetryPolicy

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export run status and step type values for convenience.

const (
	RunCreated         = api.RunCreated
	RunPlanning        = api.RunPlanning
	RunWaitingApproval = api.RunWaitingApproval
	RunExecuting       = api.RunExecuting
	RunRendering       = api.RunRendering
	RunQualityCheck    = api.RunQualityCheck
	RunCompleted       = api.RunCompleted
	RunFailed          = api.RunFailed
	RunCancelled       = api.RunCancelled

	StepTool     = api.StepTool
	StepAgent    = api.StepAgent
	StepSystem   = api.StepSystem
	StepApproval = api.StepApproval
	StepRender   = api.StepRender
	StepQuality  = api.StepQuality
)

// DeckWorkflow is the name of the built-in deck generation workflow.
const DeckWorkflow = engine.DeckWorkflowName

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) (Engine, error) {
	return engine.NewEngineWithConfig(engine.Config{
		Persistence: persistence.NewMemoryPersistence(),
		Observer:    obs,
	})
}

// NewSQLiteEngine returns an Engine that persists runs, steps, events,
// artifacts and queued jobs in a SQLite database. Workflow definitions are
// kept in memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that persists runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// Convenience helpers that just forward to the underlying Engine.

// CreateRun starts a run. The returned bool is false when the request
// replayed an earlier one with the same idempotency key.
func CreateRun(ctx context.Context, eng Engine, req CreateRunRequest) (*Run, bool, error) {
	return eng.CreateRun(ctx, req)
}

// GetRun fetches a run by ID.
func GetRun(ctx context.Context, eng Engine, id string) (*Run, error) {
	return eng.GetRun(ctx, id)
}

// Approve releases a run waiting at its approval gate.
func Approve(ctx context.Context, eng Engine, id string) (*Run, error) {
	return eng.Approve(ctx, id)
}

// Cancel requests cancellation of a run.
func Cancel(ctx context.Context, eng Engine, id string) (*Run, error) {
	return eng.Cancel(ctx, id)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := deckflow.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}

// WaitForRun follows the run's events until it reaches a terminal status
// and returns the final run. Some worker must be processing the engine's
// queue, otherwise WaitForRun blocks until ctx is done.
func WaitForRun(ctx context.Context, eng Engine, id string) (*Run, error) {
	run, err := eng.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := eng.Subscribe(ctx, id, -1)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				return eng.GetRun(ctx, id)
			}
			if ev.Type != api.EventProgress {
				continue
			}
			var p api.ProgressPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil || !p.Status.Terminal() {
				continue
			}
			return eng.GetRun(ctx, id)
		}
	}
}
