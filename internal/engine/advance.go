package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/statemachine"
	"github.com/petrijr/deckflow/pkg/api"
)

// advance schedules every step that became ready, skips steps whose
// predicate stays false once nothing else can move, and finishes the run
// when no work is left. The caller holds the run lock.
func (e *engineImpl) advance(ctx context.Context, run *api.Run, w *workflow) error {
	if run.Status.Terminal() {
		return nil
	}
	steps, err := e.store.Steps.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	view := newRunView(w, steps)
	if run.CancelRequested {
		return e.settleCancel(ctx, run, view)
	}

	for {
		f := view.frontier(run.State)
		switch {
		case len(f.ready) > 0:
			for _, c := range f.ready {
				step, err := e.schedule(ctx, run, w, view, c)
				if err != nil {
					return err
				}
				view.add(step)
				if run.Status.Terminal() {
					return nil
				}
			}
		case f.active > 0:
			return e.reportProgress(ctx, run, view)
		case len(f.blocked) > 0:
			step, err := e.skip(ctx, run, f.blocked[0])
			if err != nil {
				return err
			}
			view.add(step)
		case len(f.unfinished) > 0:
			return e.failRun(ctx, run, api.NewError(api.CodeWorkflowIncomplete, api.ClassFatal,
				"steps can never run: %s", strings.Join(f.unfinished, ", ")))
		default:
			return e.completeRun(ctx, run, w)
		}
	}
}

// schedule creates the row for a ready step. Approval steps park the run;
// steps whose input matches an earlier success reuse its output; anything
// else is queued for a worker.
func (e *engineImpl) schedule(ctx context.Context, run *api.Run, w *workflow, view *runView, c candidate) (*api.RunStep, error) {
	step := &api.RunStep{
		ID:        newID(),
		RunID:     run.ID,
		StepKey:   c.key,
		BaseKey:   c.def.Key,
		Iteration: c.iteration,
		Type:      c.def.Type,
		Handler:   c.def.HandlerName(),
		Attempt:   1,
		CreatedAt: e.now(),
	}

	if c.def.Type == api.StepApproval {
		step.Status = api.StepWaitingApproval
		created, err := e.createStep(ctx, step)
		if err != nil {
			return nil, err
		}
		if err := e.moveTo(ctx, run, w, api.RunWaitingApproval); err != nil {
			return nil, err
		}
		e.emitLog(ctx, run.ID, "info", "waiting for approval", step.StepKey, 0)
		e.emitProgress(ctx, run, api.ProgressPayload{StepKey: step.StepKey, StepStatus: string(step.Status), Message: "waiting for approval"})
		return created, nil
	}

	in, err := e.buildInput(ctx, run, view, c)
	if err != nil {
		return nil, err
	}
	if err := setInput(step, in, c.def.UsesIteration); err != nil {
		return nil, err
	}

	if prev := view.reusable(c.def.Key, step.InputHash); prev != nil {
		now := e.now()
		step.Status = api.StepSucceeded
		step.OutputJSON = prev.OutputJSON
		step.StartedAt = &now
		step.FinishedAt = &now
		created, err := e.createStep(ctx, step)
		if err != nil {
			return nil, err
		}
		if err := e.mergeOutput(run, created); err != nil {
			return nil, err
		}
		if err := e.saveRun(ctx, run, run.Status); err != nil {
			return nil, err
		}
		e.emitLog(ctx, run.ID, "info", "reused output of "+prev.StepKey, step.StepKey, 0)
		return created, nil
	}

	step.Status = api.StepQueued
	created, err := e.createStep(ctx, step)
	if err != nil {
		return nil, err
	}
	if created.Status != api.StepQueued {
		return created, nil
	}
	switch c.def.Type {
	case api.StepRender:
		err = e.moveTo(ctx, run, w, api.RunRendering)
	case api.StepQuality:
		err = e.moveTo(ctx, run, w, api.RunQualityCheck)
	}
	if err != nil {
		return nil, err
	}
	if err := e.enqueue(ctx, run, created, 0); err != nil {
		return nil, err
	}
	e.emitLog(ctx, run.ID, "info", "step queued", created.StepKey, created.Attempt)
	e.emitProgress(ctx, run, api.ProgressPayload{StepKey: created.StepKey, StepStatus: string(created.Status)})
	return created, nil
}

func setInput(step *api.RunStep, in api.StepInput, withIteration bool) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("engine: encode input of %s: %w", in.StepKey, err)
	}
	hash, err := hashInput(in, withIteration)
	if err != nil {
		return err
	}
	step.InputJSON = raw
	step.InputHash = hash
	return nil
}

// skip records a step whose predicate is false.
func (e *engineImpl) skip(ctx context.Context, run *api.Run, c candidate) (*api.RunStep, error) {
	now := e.now()
	step := &api.RunStep{
		ID:         newID(),
		RunID:      run.ID,
		StepKey:    c.key,
		BaseKey:    c.def.Key,
		Iteration:  c.iteration,
		Type:       c.def.Type,
		Handler:    c.def.HandlerName(),
		Status:     api.StepSkipped,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	created, err := e.createStep(ctx, step)
	if err != nil {
		return nil, err
	}
	e.emitLog(ctx, run.ID, "debug", "step skipped", c.key, 0)
	return created, nil
}

// createStep inserts step, or returns the stored row when another writer
// created the same key first.
func (e *engineImpl) createStep(ctx context.Context, step *api.RunStep) (*api.RunStep, error) {
	err := e.store.Steps.CreateStep(ctx, step)
	switch {
	case err == nil:
		return step, nil
	case errors.Is(err, persistence.ErrDuplicate):
		return e.store.Steps.GetStep(ctx, step.RunID, step.StepKey)
	default:
		return nil, err
	}
}

// buildInput snapshots what a step computes on: the current IR version and
// the outputs of its dependencies, by reference and hash.
func (e *engineImpl) buildInput(ctx context.Context, run *api.Run, view *runView, c candidate) (api.StepInput, error) {
	in := api.StepInput{
		StepKey:      c.key,
		BaseKey:      c.def.Key,
		Handler:      c.def.HandlerName(),
		Iteration:    c.iteration,
		IRRef:        stateString(run.State, VarIRRef),
		Scope:        run.Scope,
		Instructions: stateString(run.State, VarInstructions),
	}
	if len(c.def.DependsOn) > 0 {
		in.Deps = make(map[string]string, len(c.def.DependsOn))
		in.DepHashes = make(map[string]string, len(c.def.DependsOn))
		for _, dep := range c.def.DependsOn {
			cur := view.current(dep)
			if cur == nil {
				return in, fmt.Errorf("engine: dependency %s of %s is not scheduled", dep, c.key)
			}
			in.Deps[dep] = cur.StepKey
			in.DepHashes[dep] = hashBytes(cur.OutputJSON)
		}
	}
	hash, err := e.irHash(ctx, run, in.IRRef)
	if err != nil {
		return in, err
	}
	in.IRHash = hash
	return in, nil
}

func (e *engineImpl) irHash(ctx context.Context, run *api.Run, ref string) (string, error) {
	if ref == "" {
		var in api.RunInput
		if len(run.Input) > 0 {
			if err := json.Unmarshal(run.Input, &in); err != nil {
				return "", fmt.Errorf("engine: decode run input: %w", err)
			}
		}
		return hashBytes(in.IR), nil
	}
	out, err := e.LoadOutput(ctx, run.ID, ref)
	if err != nil {
		return "", err
	}
	return hashBytes(out.IR), nil
}

// jobID is stable per step attempt, so enqueueing the same attempt twice
// leaves a single job in the queue.
func jobID(step *api.RunStep) string {
	return fmt.Sprintf("%s.%d", step.ID, step.Attempt)
}

func (e *engineImpl) enqueue(ctx context.Context, run *api.Run, step *api.RunStep, delay time.Duration) error {
	job := api.Job{
		ID:      jobID(step),
		Type:    api.JobExecuteStep,
		RunID:   run.ID,
		StepID:  step.ID,
		StepKey: step.StepKey,
		Attempt: step.Attempt,
		Policy:  run.Policy,
		Inputs:  step.InputJSON,
		Dedupe: api.Dedupe{
			InputHash:      step.InputHash,
			IdempotencyKey: run.IdempotencyKey,
		},
		EnqueuedAt: e.now(),
	}
	if delay > 0 {
		job.NotBefore = job.EnqueuedAt.Add(delay)
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("engine: enqueue %s: %w", step.StepKey, err)
	}
	return nil
}

// mergeOutput folds a succeeded step's output into the run state.
func (e *engineImpl) mergeOutput(run *api.Run, step *api.RunStep) error {
	if len(step.OutputJSON) == 0 {
		return nil
	}
	var out api.StepOutput
	if err := json.Unmarshal(step.OutputJSON, &out); err != nil {
		return fmt.Errorf("engine: decode output of %s: %w", step.StepKey, err)
	}
	for k, v := range out.Vars {
		run.State[k] = v
	}
	if len(out.IR) > 0 {
		run.State[VarIRRef] = step.StepKey
	}
	if id := stateString(run.State, VarArtifactID); id != "" {
		run.ArtifactID = id
	}
	run.NeedsHumanEdit = stateBool(run.State, VarNeedsHumanEdit)
	return nil
}

// moveTo walks the run to a phase status. A phase that the graph cannot
// reach from the current status is left alone; the status is informative
// and scheduling does not depend on it.
func (e *engineImpl) moveTo(ctx context.Context, run *api.Run, w *workflow, to api.RunStatus) error {
	if run.Status == to {
		return nil
	}
	path, ok := statemachine.Path(run.Status, to)
	g := statemachine.Guard{
		HasApprovalStep: w.hasApproval,
		FixLoops:        stateInt(run.State, VarFixLoops),
		MaxFixLoops:     run.Policy.MaxFixLoops,
	}
	if ok {
		for _, s := range path {
			if statemachine.Transition(run.Status, s, g) != nil {
				ok = false
				break
			}
		}
	}
	if !ok {
		e.logger.WarnContext(ctx, "run_phase_unreachable",
			slog.String("run_id", run.ID),
			slog.String("from", string(run.Status)),
			slog.String("to", string(to)),
		)
		return nil
	}
	for _, s := range path {
		if err := e.transition(ctx, run, s, g); err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) reportProgress(ctx context.Context, run *api.Run, view *runView) error {
	if p := view.progress(); p > run.Progress {
		run.Progress = p
		return e.saveRun(ctx, run, run.Status)
	}
	return nil
}

func (e *engineImpl) completeRun(ctx context.Context, run *api.Run, w *workflow) error {
	path, ok := statemachine.Path(run.Status, api.RunCompleted)
	if !ok {
		return e.failRun(ctx, run, api.NewError(api.CodeInternal, api.ClassFatal,
			"run cannot complete from %s", run.Status))
	}
	g := statemachine.Guard{
		HasApprovalStep: w.hasApproval,
		FixLoops:        stateInt(run.State, VarFixLoops),
		MaxFixLoops:     run.Policy.MaxFixLoops,
	}
	run.Progress = 100
	for _, s := range path {
		if err := e.transition(ctx, run, s, g); err != nil {
			return err
		}
	}
	e.logger.InfoContext(ctx, "run_completed",
		slog.String("run_id", run.ID),
		slog.String("artifact_id", run.ArtifactID),
		slog.Bool("needs_human_edit", run.NeedsHumanEdit),
	)
	e.emitLog(ctx, run.ID, "info", "run completed", "", 0)
	e.emitProgress(ctx, run, api.ProgressPayload{Message: "completed"})
	e.observer.OnRunFinished(ctx, run)
	return nil
}

// failRun moves the run to failed with the code and message of cause.
func (e *engineImpl) failRun(ctx context.Context, run *api.Run, cause error) error {
	if run.Status.Terminal() {
		return nil
	}
	from := run.Status
	if err := statemachine.Transition(from, api.RunFailed, statemachine.Guard{}); err != nil {
		return err
	}
	code := api.CodeOf(cause)
	run.Status = api.RunFailed
	run.ErrorCode = code
	run.ErrorMessage = cause.Error()
	if err := e.saveRun(ctx, run, from); err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "run_failed",
		slog.String("run_id", run.ID),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	e.emit(ctx, run.ID, api.EventError, api.ErrorPayload{
		Code:    code,
		Class:   api.ClassOf(cause),
		Message: cause.Error(),
		Fatal:   true,
	})
	e.emitProgress(ctx, run, api.ProgressPayload{Message: "failed"})
	e.observer.OnRunFinished(ctx, run)
	return nil
}

// settleCancel records queued and parked steps as cancelled and cancels
// the run once no step is running.
func (e *engineImpl) settleCancel(ctx context.Context, run *api.Run, view *runView) error {
	now := e.now()
	for _, s := range view.steps {
		if s.Status != api.StepQueued && s.Status != api.StepWaitingApproval {
			continue
		}
		s.Status = api.StepCancelled
		s.FinishedAt = &now
		if err := e.store.Steps.UpdateStep(ctx, s); err != nil && !errors.Is(err, persistence.ErrStepFinal) {
			return err
		}
		e.emitLog(ctx, run.ID, "info", "step cancelled", s.StepKey, s.Attempt)
	}
	if n := view.running(); n > 0 {
		e.logger.InfoContext(ctx, "run_cancel_pending", slog.String("run_id", run.ID), slog.Int("running", n))
		return nil
	}

	run.ErrorCode = api.CodeCancelled
	run.ErrorMessage = "run cancelled"
	if err := e.transition(ctx, run, api.RunCancelled, statemachine.Guard{}); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run_cancelled", slog.String("run_id", run.ID))
	e.emitLog(ctx, run.ID, "info", "run cancelled", "", 0)
	e.emitProgress(ctx, run, api.ProgressPayload{Message: "cancelled"})
	e.observer.OnRunFinished(ctx, run)
	return nil
}

// emit appends an event. Failures are logged; the run state is already
// durable and must not be rolled back over a lost event.
func (e *engineImpl) emit(ctx context.Context, runID string, typ api.EventType, payload any) {
	if _, err := e.events.Append(ctx, runID, typ, payload); err != nil {
		e.logger.WarnContext(ctx, "event_append_failed",
			slog.String("run_id", runID),
			slog.String("event_type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *engineImpl) emitLog(ctx context.Context, runID, level, msg, stepKey string, attempt int) {
	e.emit(ctx, runID, api.EventLog, api.LogPayload{Level: level, Message: msg, StepKey: stepKey, Attempt: attempt})
}

func (e *engineImpl) emitProgress(ctx context.Context, run *api.Run, p api.ProgressPayload) {
	p.Status = run.Status
	p.Progress = run.Progress
	e.emit(ctx, run.ID, api.EventProgress, p)
}
