package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/deckflow/internal/eventlog"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/retry"
	"github.com/petrijr/deckflow/internal/statemachine"
	"github.com/petrijr/deckflow/internal/taskqueue"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

const tracerName = "github.com/petrijr/deckflow/internal/engine"

// engineImpl schedules steps onto a job queue and applies their outcomes.
// Every read-modify-write of a run happens under that run's mutex; the
// stores add compare-and-swap on top for writers in other processes.
type engineImpl struct {
	store     persistence.Persistence
	queue     taskqueue.Queue
	events    *eventlog.Log
	observer  api.Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	policy    api.PolicySnapshot
	defaultWF string
	now       func() time.Time

	workflows *workflowRegistry
	handlers  *handlerRegistry

	runLocks sync.Map // run id -> *sync.Mutex
}

// Config describes how to construct an engine. Zero fields take defaults.
type Config struct {
	Persistence persistence.Persistence
	// Queue receives job envelopes. Nil means an in-memory queue.
	Queue taskqueue.Queue
	// Events is the event log. Nil means one over Persistence.Events.
	Events   *eventlog.Log
	Observer api.Observer
	Logger   *slog.Logger
	// Policy is the default policy snapshot runs start from.
	Policy *api.PolicySnapshot
	// DefaultWorkflow is used when a request names none.
	DefaultWorkflow string
	TracerProvider  trace.TracerProvider
	Clock           func() time.Time

	// Deck configures the built-in deck_v1 workflow and its handlers.
	Deck DeckOptions
	// SkipDeckWorkflow leaves deck_v1 unregistered.
	SkipDeckWorkflow bool
}

// NewInMemoryEngine returns an engine with in-memory stores and queue and
// the deck workflow registered.
func NewInMemoryEngine() api.Engine {
	e, err := NewEngineWithConfig(Config{Persistence: persistence.NewMemoryPersistence()})
	if err != nil {
		panic(fmt.Sprintf("engine: in-memory engine: %v", err))
	}
	return e
}

// NewSQLiteEngine stores runs and jobs in db.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: store.Persistence(), Queue: queue})
}

// NewPostgresEngine stores runs in db. Jobs go to an in-memory queue;
// processes sharing db need a shared queue passed through
// NewEngineWithConfig.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: store.Persistence()})
}

// NewEngineWithConfig builds an engine from cfg.
func NewEngineWithConfig(cfg Config) (api.Engine, error) {
	return newEngine(cfg)
}

func newEngine(cfg Config) (*engineImpl, error) {
	if err := cfg.Persistence.Validate(); err != nil {
		return nil, err
	}
	if cfg.Queue == nil {
		cfg.Queue = taskqueue.NewInMemoryQueue()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = eventlog.New(cfg.Persistence.Events, eventlog.WithLogger(cfg.Logger), eventlog.WithClock(cfg.Clock))
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	policy := retry.DefaultPolicy()
	if cfg.Policy != nil {
		policy = cfg.Policy.Clone()
		if policy.Steps == nil {
			policy.Steps = retry.Defaults()
		}
	}
	if cfg.Deck.Logger == nil {
		cfg.Deck.Logger = cfg.Logger
	}
	if cfg.DefaultWorkflow == "" {
		cfg.DefaultWorkflow = DeckWorkflowName
	}

	e := &engineImpl{
		store:     cfg.Persistence,
		queue:     cfg.Queue,
		events:    cfg.Events,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		tracer:    cfg.TracerProvider.Tracer(tracerName),
		policy:    policy,
		defaultWF: cfg.DefaultWorkflow,
		now:       cfg.Clock,
		workflows: newWorkflowRegistry(),
		handlers:  newHandlerRegistry(),
	}
	if !cfg.SkipDeckWorkflow {
		if err := RegisterDeck(e, cfg.Persistence.Artifacts, cfg.Deck); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *engineImpl) lock(runID string) func() {
	m, _ := e.runLocks.LoadOrStore(runID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func newID() string { return ulid.Make().String() }

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.workflows.Register(def)
}

func (e *engineImpl) RegisterHandler(name string, h api.StepHandler) error {
	return e.handlers.Register(name, h)
}

func (e *engineImpl) CreateRun(ctx context.Context, req api.CreateRunRequest) (*api.Run, bool, error) {
	if req.ProjectID == "" {
		return nil, false, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "project_id is required")
	}
	if strings.TrimSpace(req.Input.Prompt) == "" && len(req.Input.IR) == 0 {
		return nil, false, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "input.prompt or input.ir is required")
	}
	if req.Workflow == "" {
		req.Workflow = e.defaultWF
	}
	hash, err := fingerprint(req)
	if err != nil {
		return nil, false, err
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, false, fmt.Errorf("engine: encode run input: %w", err)
	}

	run := e.newRun(req.ProjectID, req.OrgID, req.CreatorID, req.Workflow, req.IdempotencyKey, hash, req.Policy)
	run.Input = input
	run.State[VarHasIR] = len(req.Input.IR) > 0
	return e.createAndStart(ctx, run)
}

func (e *engineImpl) Regenerate(ctx context.Context, req api.RegenerateRequest) (*api.Run, bool, error) {
	if len(req.Scope.SlideIDs) == 0 {
		return nil, false, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "scope.slide_ids is required")
	}
	parent, err := e.GetRun(ctx, req.ParentRunID)
	if err != nil {
		return nil, false, err
	}
	if parent.Status != api.RunCompleted || parent.ArtifactID == "" {
		return nil, false, api.NewError(api.CodeInvalidRequest, api.ClassFatal,
			"run %s has no finished artifact to regenerate from", parent.ID)
	}
	art, err := e.GetArtifact(ctx, parent.ArtifactID)
	if err != nil {
		return nil, false, err
	}
	spec, err := ir.Parse(art.IR)
	if err != nil {
		return nil, false, fmt.Errorf("engine: decode artifact %s: %w", art.ID, err)
	}
	for _, id := range req.Scope.SlideIDs {
		if spec.Slide(id) == nil {
			return nil, false, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "artifact %s has no slide %q", art.ID, id)
		}
	}

	hash, err := fingerprint(req)
	if err != nil {
		return nil, false, err
	}
	var parentInput api.RunInput
	if len(parent.Input) > 0 {
		if err := json.Unmarshal(parent.Input, &parentInput); err != nil {
			return nil, false, fmt.Errorf("engine: decode run input: %w", err)
		}
	}
	input, err := json.Marshal(api.RunInput{
		IR:       art.IR,
		Language: parentInput.Language,
		Audience: parentInput.Audience,
		Tone:     parentInput.Tone,
	})
	if err != nil {
		return nil, false, fmt.Errorf("engine: encode run input: %w", err)
	}

	creator := req.CreatorID
	if creator == "" {
		creator = parent.CreatorID
	}
	run := e.newRun(parent.ProjectID, parent.OrgID, creator, parent.Workflow, req.IdempotencyKey, hash, req.Policy)
	run.Input = input
	run.ParentRunID = parent.ID
	run.Scope = &api.Scope{SlideIDs: append([]string(nil), req.Scope.SlideIDs...)}
	run.State[VarHasIR] = true
	run.State[VarScopePartial] = true
	run.State[VarInstructions] = req.Instructions
	return e.createAndStart(ctx, run)
}

// fingerprint hashes a creation request so a reused idempotency key with a
// different payload can be told apart from a retry.
func fingerprint(req any) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("engine: fingerprint request: %w", err)
	}
	return hashBytes(data), nil
}

func (e *engineImpl) newRun(projectID, orgID, creatorID, workflow, idemKey, hash string, overrides *api.PolicyOverrides) *api.Run {
	policy := overrides.Apply(e.policy)
	now := e.now()
	return &api.Run{
		ID:             newID(),
		ProjectID:      projectID,
		OrgID:          orgID,
		CreatorID:      creatorID,
		Workflow:       workflow,
		Status:         api.RunCreated,
		IdempotencyKey: idemKey,
		RequestHash:    hash,
		Policy:         policy,
		State: map[string]any{
			VarRequireApproval: policy.RequireApproval,
			VarMaxFixLoops:     policy.MaxFixLoops,
			VarAllowExternal:   policy.AllowExternalNetwork,
			VarScopePartial:    false,
			VarFixLoops:        0,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (e *engineImpl) createAndStart(ctx context.Context, run *api.Run) (*api.Run, bool, error) {
	w, err := e.workflows.Get(run.Workflow)
	if err != nil {
		return nil, false, err
	}
	if missing := e.handlers.missing(w); len(missing) > 0 {
		return nil, false, api.NewError(api.CodeHandlerNotFound, api.ClassFatal,
			"workflow %q needs unregistered handlers: %s", w.def.Name, strings.Join(missing, ", "))
	}

	if run.IdempotencyKey != "" {
		existing, err := e.store.Runs.FindRunByIdempotencyKey(ctx, run.OrgID, run.CreatorID, run.IdempotencyKey)
		switch {
		case err == nil:
			return replay(existing, run.RequestHash)
		case !errors.Is(err, persistence.ErrRunNotFound):
			return nil, false, err
		}
	}
	if err := e.store.Runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, persistence.ErrDuplicate) && run.IdempotencyKey != "" {
			existing, ferr := e.store.Runs.FindRunByIdempotencyKey(ctx, run.OrgID, run.CreatorID, run.IdempotencyKey)
			if ferr != nil {
				return nil, false, ferr
			}
			return replay(existing, run.RequestHash)
		}
		return nil, false, err
	}
	e.logger.InfoContext(ctx, "run_created",
		slog.String("run_id", run.ID),
		slog.String("project_id", run.ProjectID),
		slog.String("workflow", run.Workflow),
		slog.String("parent_run_id", run.ParentRunID),
	)

	if err := e.start(ctx, run.ID); err != nil {
		return nil, true, err
	}
	out, err := e.GetRun(ctx, run.ID)
	return out, true, err
}

func replay(existing *api.Run, hash string) (*api.Run, bool, error) {
	if existing.RequestHash != "" && existing.RequestHash != hash {
		return nil, false, api.NewError(api.CodeIdempotencyKeyReused, api.ClassFatal,
			"idempotency key %q was used with a different request", existing.IdempotencyKey)
	}
	return existing, false, nil
}

// start moves a created run into planning and schedules its first steps.
func (e *engineImpl) start(ctx context.Context, runID string) error {
	unlock := e.lock(runID)
	defer unlock()

	run, w, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != api.RunCreated {
		return nil
	}
	if err := e.transition(ctx, run, api.RunPlanning, statemachine.Guard{}); err != nil {
		return err
	}
	e.observer.OnRunStart(ctx, run)
	e.emitLog(ctx, run.ID, "info", "run started", "", 0)
	return e.advance(ctx, run, w)
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.Run, error) {
	run, err := e.store.Runs.GetRun(ctx, id)
	if errors.Is(err, persistence.ErrRunNotFound) {
		return nil, api.WrapError(api.CodeRunNotFound, api.ClassFatal, err, "run %s not found", id)
	}
	return run, err
}

func (e *engineImpl) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	return e.store.Runs.ListRuns(ctx, filter)
}

func (e *engineImpl) ListSteps(ctx context.Context, runID string) ([]*api.RunStep, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.Steps.ListSteps(ctx, runID)
}

func (e *engineImpl) Approve(ctx context.Context, runID string) (*api.Run, error) {
	unlock := e.lock(runID)
	defer unlock()

	run, w, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != api.RunWaitingApproval {
		return nil, api.NewError(api.CodeRunNotApprovable, api.ClassFatal,
			"run %s is %s, not waiting for approval", run.ID, run.Status)
	}
	steps, err := e.store.Steps.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for _, s := range steps {
		if s.Status != api.StepWaitingApproval {
			continue
		}
		out, err := json.Marshal(api.StepOutput{Vars: map[string]any{"approval." + s.BaseKey: true}})
		if err != nil {
			return nil, err
		}
		s.Status = api.StepSucceeded
		s.OutputJSON = out
		s.FinishedAt = &now
		if err := e.store.Steps.UpdateStep(ctx, s); err != nil {
			return nil, err
		}
		if err := e.mergeOutput(run, s); err != nil {
			return nil, err
		}
		e.emitLog(ctx, run.ID, "info", "approved", s.StepKey, s.Attempt)
	}
	if err := e.transition(ctx, run, api.RunExecuting, statemachine.Guard{HasApprovalStep: w.hasApproval, Approved: true}); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "run_approved", slog.String("run_id", run.ID))
	if err := e.advance(ctx, run, w); err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

func (e *engineImpl) Cancel(ctx context.Context, runID string) (*api.Run, error) {
	unlock := e.lock(runID)
	defer unlock()

	run, w, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, api.NewError(api.CodeRunTerminal, api.ClassFatal, "run %s is already %s", run.ID, run.Status)
	}
	if !run.CancelRequested {
		run.CancelRequested = true
		if err := e.saveRun(ctx, run, run.Status); err != nil {
			return nil, err
		}
		e.emitLog(ctx, run.ID, "info", "cancel requested", "", 0)
	}
	if err := e.advance(ctx, run, w); err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

func (e *engineImpl) Events(ctx context.Context, runID string, afterSeq int64, limit int) ([]api.RunEvent, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.events.List(ctx, runID, afterSeq, limit)
}

func (e *engineImpl) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan api.RunEvent, error) {
	if _, err := e.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.events.Subscribe(ctx, runID, afterSeq)
}

func (e *engineImpl) GetArtifact(ctx context.Context, id string) (*api.ArtifactVersion, error) {
	a, err := e.store.Artifacts.GetArtifact(ctx, id)
	if errors.Is(err, persistence.ErrArtifactNotFound) {
		return nil, api.WrapError(api.CodeArtifactNotFound, api.ClassFatal, err, "artifact %s not found", id)
	}
	return a, err
}

func (e *engineImpl) ListArtifacts(ctx context.Context, projectID string) ([]*api.ArtifactVersion, error) {
	return e.store.Artifacts.ListArtifacts(ctx, projectID)
}

// Recover re-enqueues the queued and running steps of every non-terminal
// run and resumes runs whose scheduling was interrupted.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.Runs.ListRuns(ctx, api.RunFilter{})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range runs {
		if r.Status.Terminal() {
			continue
		}
		n, err := e.recoverRun(ctx, r.ID)
		if err != nil {
			return total, fmt.Errorf("engine: recover run %s: %w", r.ID, err)
		}
		total += n
	}
	e.logger.InfoContext(ctx, "recover_done", slog.Int("jobs", total))
	return total, nil
}

func (e *engineImpl) recoverRun(ctx context.Context, runID string) (int, error) {
	if err := e.start(ctx, runID); err != nil {
		return 0, err
	}

	unlock := e.lock(runID)
	defer unlock()
	run, w, err := e.load(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return 0, err
	}
	steps, err := e.store.Steps.ListSteps(ctx, run.ID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range steps {
		if !s.Status.InFlight() {
			continue
		}
		if err := e.enqueue(ctx, run, s, 0); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, e.advance(ctx, run, w)
	}
	return n, nil
}

// load reads a run and its compiled workflow.
func (e *engineImpl) load(ctx context.Context, runID string) (*api.Run, *workflow, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.State == nil {
		run.State = make(map[string]any)
	}
	w, err := e.workflows.Get(run.Workflow)
	if err != nil {
		return nil, nil, err
	}
	return run, w, nil
}

// LoadOutput implements api.OutputLoader for step contexts.
func (e *engineImpl) LoadOutput(ctx context.Context, runID, stepKey string) (*api.StepOutput, error) {
	step, err := e.store.Steps.GetStep(ctx, runID, stepKey)
	if err != nil {
		return nil, err
	}
	if step.Status != api.StepSucceeded {
		return nil, fmt.Errorf("engine: step %s is %s, not succeeded", stepKey, step.Status)
	}
	var out api.StepOutput
	if len(step.OutputJSON) > 0 {
		if err := json.Unmarshal(step.OutputJSON, &out); err != nil {
			return nil, fmt.Errorf("engine: decode output of %s: %w", stepKey, err)
		}
	}
	return &out, nil
}

func (e *engineImpl) saveRun(ctx context.Context, run *api.Run, expect api.RunStatus) error {
	run.UpdatedAt = e.now()
	if err := e.store.Runs.UpdateRun(ctx, run, expect); err != nil {
		return fmt.Errorf("engine: update run %s: %w", run.ID, err)
	}
	return nil
}

func (e *engineImpl) transition(ctx context.Context, run *api.Run, to api.RunStatus, g statemachine.Guard) error {
	from := run.Status
	if err := statemachine.Transition(from, to, g); err != nil {
		return err
	}
	run.Status = to
	if err := e.saveRun(ctx, run, from); err != nil {
		run.Status = from
		return err
	}
	return nil
}

// artifactID derives the artifact id of a run so a repeated finalize
// finds the version it already stored.
func artifactID(run *api.Run) string {
	sum := sha256.Sum256([]byte("artifact:" + run.ID))
	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(run.CreatedAt))
	_ = id.SetEntropy(sum[:10])
	return id.String()
}
