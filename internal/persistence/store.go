package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

var (
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound is returned when a run step does not exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrArtifactNotFound is returned when an artifact version does not exist.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrConflict is returned when a conditional update finds a different
	// status or version than expected.
	ErrConflict = errors.New("conflict")

	// ErrDuplicate is returned when a unique key is already taken: a run
	// idempotency key, a step key within a run or an artifact id.
	ErrDuplicate = errors.New("duplicate")

	// ErrStepFinal is returned when updating a step that already succeeded,
	// was skipped or was cancelled.
	ErrStepFinal = errors.New("step is final")
)

// RunStore persists runs. Every update is a compare-and-swap on the
// stored (status, version).
type RunStore interface {
	// CreateRun inserts run. It fails with ErrDuplicate when the
	// (org, creator, idempotency key) triple is already used.
	CreateRun(ctx context.Context, run *api.Run) error
	GetRun(ctx context.Context, id string) (*api.Run, error)
	// FindRunByIdempotencyKey returns ErrRunNotFound when no run holds the key.
	FindRunByIdempotencyKey(ctx context.Context, orgID, creatorID, key string) (*api.Run, error)
	// UpdateRun writes run if the stored row still has expectStatus and
	// run.Version. On success run.Version is incremented.
	UpdateRun(ctx context.Context, run *api.Run, expectStatus api.RunStatus) error
	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error)
}

// StepStore persists run steps.
type StepStore interface {
	// CreateStep fails with ErrDuplicate when (run id, step key) exists.
	CreateStep(ctx context.Context, step *api.RunStep) error
	GetStep(ctx context.Context, runID, stepKey string) (*api.RunStep, error)
	// UpdateStep fails with ErrStepFinal when the stored step is final.
	UpdateStep(ctx context.Context, step *api.RunStep) error
	// ListSteps returns the steps of a run in creation order.
	ListSteps(ctx context.Context, runID string) ([]*api.RunStep, error)
}

// EventStore is the append-only per-run event log.
type EventStore interface {
	// AppendEvent allocates the next sequence number of the run and stores
	// the event. Sequences start at 0 and have no gaps.
	AppendEvent(ctx context.Context, runID string, typ api.EventType, payload json.RawMessage, at time.Time) (api.RunEvent, error)
	// ListEvents returns events with seq > afterSeq in order. limit <= 0
	// means no limit.
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]api.RunEvent, error)
}

// ArtifactStore keeps immutable artifact versions.
type ArtifactStore interface {
	// CreateArtifact assigns the next per-project version and stores a.
	// Existing ids are never overwritten (ErrDuplicate).
	CreateArtifact(ctx context.Context, a *api.ArtifactVersion) error
	GetArtifact(ctx context.Context, id string) (*api.ArtifactVersion, error)
	// ListArtifacts returns a project's versions, newest first.
	ListArtifacts(ctx context.Context, projectID string) ([]*api.ArtifactVersion, error)
}

// Persistence bundles the stores so the engine can depend on a single
// value.
type Persistence struct {
	Runs      RunStore
	Steps     StepStore
	Events    EventStore
	Artifacts ArtifactStore
}

// Validate reports a missing store.
func (p Persistence) Validate() error {
	switch {
	case p.Runs == nil:
		return errors.New("persistence: run store is required")
	case p.Steps == nil:
		return errors.New("persistence: step store is required")
	case p.Events == nil:
		return errors.New("persistence: event store is required")
	case p.Artifacts == nil:
		return errors.New("persistence: artifact store is required")
	}
	return nil
}
