package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/internal/retry"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

// ExecuteJob runs one step attempt. Stale deliveries (an attempt that was
// superseded, a step that already finished) are dropped. The handler runs
// without the run lock; its outcome is applied under it.
func (e *engineImpl) ExecuteJob(ctx context.Context, job api.Job) error {
	if job.Type != "" && job.Type != api.JobExecuteStep {
		e.logger.WarnContext(ctx, "job_type_unknown", slog.String("job_id", job.ID), slog.String("job_type", string(job.Type)))
		return nil
	}
	run, step, def, ok, err := e.claim(ctx, job)
	if err != nil || !ok {
		return err
	}

	policy := retry.Effective(run.Policy, def)
	e.observer.OnStepStart(ctx, run, step)
	start := time.Now()
	res, execErr := e.invoke(ctx, run, step, policy)
	dur := time.Since(start)
	e.observer.OnStepCompleted(ctx, run, step, execErr, dur)

	// The worker is shutting down. Leave the step running; the job is not
	// acknowledged and comes back after its lease.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return e.settle(ctx, job, res, execErr, dur)
}

// claim marks the step of job as running. ok is false when the job must
// not run.
func (e *engineImpl) claim(ctx context.Context, job api.Job) (*api.Run, *api.RunStep, api.StepDefinition, bool, error) {
	var def api.StepDefinition
	unlock := e.lock(job.RunID)
	defer unlock()

	run, err := e.store.Runs.GetRun(ctx, job.RunID)
	if errors.Is(err, persistence.ErrRunNotFound) {
		e.logger.WarnContext(ctx, "job_run_missing", slog.String("job_id", job.ID), slog.String("run_id", job.RunID))
		return nil, nil, def, false, nil
	}
	if err != nil {
		return nil, nil, def, false, err
	}
	if run.State == nil {
		run.State = make(map[string]any)
	}
	step, err := e.store.Steps.GetStep(ctx, job.RunID, job.StepKey)
	if errors.Is(err, persistence.ErrStepNotFound) {
		e.logger.WarnContext(ctx, "job_step_missing", slog.String("job_id", job.ID), slog.String("step_key", job.StepKey))
		return nil, nil, def, false, nil
	}
	if err != nil {
		return nil, nil, def, false, err
	}
	if step.ID != job.StepID || step.Attempt != job.Attempt || !step.Status.InFlight() {
		e.logger.InfoContext(ctx, "job_stale",
			slog.String("job_id", job.ID),
			slog.String("step_key", step.StepKey),
			slog.String("status", string(step.Status)),
			slog.Int("attempt", step.Attempt),
		)
		return nil, nil, def, false, nil
	}

	w, err := e.workflows.Get(run.Workflow)
	if err != nil {
		return nil, nil, def, false, e.failRun(ctx, run, err)
	}
	if run.Status.Terminal() || run.CancelRequested {
		now := e.now()
		step.Status = api.StepCancelled
		step.FinishedAt = &now
		if err := e.store.Steps.UpdateStep(ctx, step); err != nil && !errors.Is(err, persistence.ErrStepFinal) {
			return nil, nil, def, false, err
		}
		e.emitLog(ctx, run.ID, "info", "step cancelled", step.StepKey, step.Attempt)
		return nil, nil, def, false, e.advance(ctx, run, w)
	}
	def, ok := w.def.Step(step.BaseKey)
	if !ok {
		return nil, nil, def, false, e.failRun(ctx, run, api.NewError(api.CodeWorkflowInvalid, api.ClassFatal,
			"workflow %q has no step %s", w.def.Name, step.BaseKey))
	}

	now := e.now()
	step.Status = api.StepRunning
	step.StartedAt = &now
	if err := e.store.Steps.UpdateStep(ctx, step); err != nil {
		return nil, nil, def, false, err
	}
	e.emitLog(ctx, run.ID, "info", "step started", step.StepKey, step.Attempt)
	return run, step, def, true, nil
}

// invoke runs the handler under the step timeout inside a span.
func (e *engineImpl) invoke(ctx context.Context, run *api.Run, step *api.RunStep, policy api.RetryPolicy) (*api.StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "deckflow.step "+step.BaseKey, trace.WithAttributes(
		attribute.String("deckflow.run_id", run.ID),
		attribute.String("deckflow.step_key", step.StepKey),
		attribute.String("deckflow.step_type", string(step.Type)),
		attribute.Int("deckflow.attempt", step.Attempt),
	))
	defer span.End()

	res, err := e.call(ctx, run, step, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("deckflow.error_code", string(api.CodeOf(err))))
	}
	return res, err
}

func (e *engineImpl) call(ctx context.Context, run *api.Run, step *api.RunStep, policy api.RetryPolicy) (res *api.StepResult, err error) {
	h, ok := e.handlers.Get(step.Handler)
	if !ok {
		return nil, api.NewError(api.CodeHandlerNotFound, api.ClassFatal, "no handler registered as %q", step.Handler)
	}
	var in api.StepInput
	if err := json.Unmarshal(step.InputJSON, &in); err != nil {
		return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "decode input of %s", step.StepKey)
	}

	parent := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, api.NewError(api.CodeInternal, api.ClassFatal, "handler %s panicked: %v", step.Handler, r)
		}
	}()

	sc := api.NewStepContext(run.Clone(), step.Clone(), in, e, e.events)
	res, err = h.Execute(ctx, sc)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		return nil, api.WrapError(api.CodeStepTimeout, api.ClassTimeout, err, "step %s exceeded %s", step.StepKey, policy.Timeout)
	case err != nil:
		return nil, err
	case res == nil:
		return &api.StepResult{}, nil
	}
	return res, nil
}

// settle applies the outcome of an attempt under the run lock.
func (e *engineImpl) settle(ctx context.Context, job api.Job, res *api.StepResult, execErr error, dur time.Duration) error {
	unlock := e.lock(job.RunID)
	defer unlock()

	run, w, err := e.load(ctx, job.RunID)
	if err != nil {
		return err
	}
	step, err := e.store.Steps.GetStep(ctx, job.RunID, job.StepKey)
	if err != nil {
		return err
	}
	if step.Status != api.StepRunning || step.Attempt != job.Attempt {
		e.logger.InfoContext(ctx, "step_outcome_dropped",
			slog.String("run_id", run.ID),
			slog.String("step_key", step.StepKey),
			slog.String("status", string(step.Status)),
		)
		return nil
	}
	step.Metrics.LatencyMs = dur.Milliseconds()
	if execErr == nil {
		return e.succeed(ctx, run, w, step, res)
	}
	return e.fail(ctx, run, w, step, execErr)
}

func (e *engineImpl) succeed(ctx context.Context, run *api.Run, w *workflow, step *api.RunStep, res *api.StepResult) error {
	out := api.StepOutput{IR: res.IR, Vars: res.Vars}
	if res.Output != nil {
		b, err := json.Marshal(res.Output)
		if err != nil {
			return e.fail(ctx, run, w, step, api.WrapError(api.CodeInternal, api.ClassFatal, err, "encode output of %s", step.StepKey))
		}
		out.Result = b
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return e.fail(ctx, run, w, step, api.WrapError(api.CodeInternal, api.ClassFatal, err, "encode output of %s", step.StepKey))
	}

	now := e.now()
	step.Status = api.StepSucceeded
	step.OutputJSON = raw
	step.ErrorCode = ""
	step.ErrorMessage = ""
	step.FinishedAt = &now
	step.Metrics.CostUSD = res.Metrics.CostUSD
	step.Metrics.Tokens = res.Metrics.Tokens
	if err := e.store.Steps.UpdateStep(ctx, step); err != nil {
		return err
	}
	if err := e.mergeOutput(run, step); err != nil {
		return err
	}
	if err := e.saveRun(ctx, run, run.Status); err != nil {
		return err
	}
	e.emitLog(ctx, run.ID, "info", "step succeeded", step.StepKey, step.Attempt)

	var in api.StepInput
	if err := json.Unmarshal(step.InputJSON, &in); err == nil && in.Repair != nil {
		if err := e.resumeRepaired(ctx, run, w, step, in.Repair); err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
	}
	return e.advance(ctx, run, w)
}

// resumeRepaired re-queues the step a repair was opened for, on the
// repaired IR. Re-running it on the input that already failed is refused.
func (e *engineImpl) resumeRepaired(ctx context.Context, run *api.Run, w *workflow, repair *api.RunStep, ri *api.RepairInput) error {
	failed, err := e.store.Steps.GetStep(ctx, run.ID, ri.FailedStep)
	if err != nil {
		return err
	}
	if failed.Status != api.StepFailed {
		return nil
	}
	var in api.StepInput
	if err := json.Unmarshal(failed.InputJSON, &in); err != nil {
		return fmt.Errorf("engine: decode input of %s: %w", failed.StepKey, err)
	}
	in.IRRef = stateString(run.State, VarIRRef)
	if in.IRHash, err = e.irHash(ctx, run, in.IRRef); err != nil {
		return err
	}
	def, _ := w.def.Step(failed.BaseKey)
	if err := setInput(failed, in, def.UsesIteration); err != nil {
		return err
	}
	if failed.InputHash == ri.InputHash {
		return e.failRun(ctx, run, api.NewError(api.CodeRepairIneffective, api.ClassFatal,
			"%s did not change the input of %s", repair.StepKey, failed.StepKey))
	}

	failed.Status = api.StepQueued
	failed.Attempt++
	failed.ErrorCode = ""
	failed.ErrorMessage = ""
	failed.StartedAt = nil
	failed.FinishedAt = nil
	if err := e.store.Steps.UpdateStep(ctx, failed); err != nil {
		return err
	}
	if err := e.enqueue(ctx, run, failed, 0); err != nil {
		return err
	}
	e.emitLog(ctx, run.ID, "info", "re-queued after "+repair.StepKey, failed.StepKey, failed.Attempt)
	return nil
}

func (e *engineImpl) fail(ctx context.Context, run *api.Run, w *workflow, step *api.RunStep, execErr error) error {
	def, _ := w.def.Step(step.BaseKey)
	policy := retry.Effective(run.Policy, def)
	steps, err := e.store.Steps.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	view := newRunView(w, steps)
	canRepair := def.Repair != "" && view.repairs(def.Repair, step.StepKey) < run.Policy.MaxRepairs
	d := retry.Decide(policy, execErr, step.Attempt, canRepair)

	now := e.now()
	step.ErrorCode = api.CodeOf(execErr)
	step.ErrorMessage = execErr.Error()
	step.FinishedAt = &now
	e.logger.WarnContext(ctx, "step_failed",
		slog.String("run_id", run.ID),
		slog.String("step_key", step.StepKey),
		slog.Int("attempt", step.Attempt),
		slog.String("class", string(d.Class)),
		slog.String("action", string(d.Action)),
		slog.String("error", execErr.Error()),
	)
	stepError := api.ErrorPayload{
		Code:    step.ErrorCode,
		Class:   d.Class,
		Message: step.ErrorMessage,
		StepKey: step.StepKey,
		Attempt: step.Attempt,
	}

	switch d.Action {
	case retry.ActionRetry:
		e.emit(ctx, run.ID, api.EventError, stepError)
		step.Status = api.StepQueued
		step.Attempt++
		step.StartedAt = nil
		step.FinishedAt = nil
		if err := e.store.Steps.UpdateStep(ctx, step); err != nil {
			return err
		}
		e.observer.OnStepRetry(ctx, run, step, d.Delay)
		return e.enqueue(ctx, run, step, d.Delay)

	case retry.ActionRepair:
		e.emit(ctx, run.ID, api.EventError, stepError)
		step.Status = api.StepFailed
		if err := e.store.Steps.UpdateStep(ctx, step); err != nil {
			return err
		}
		return e.openRepair(ctx, run, w, view, step, def, execErr)

	case retry.ActionCancel:
		step.Status = api.StepCancelled
		if err := e.store.Steps.UpdateStep(ctx, step); err != nil {
			return err
		}
		if !run.CancelRequested {
			run.CancelRequested = true
			if err := e.saveRun(ctx, run, run.Status); err != nil {
				return err
			}
		}
		return e.advance(ctx, run, w)

	default:
		step.Status = api.StepFailed
		if err := e.store.Steps.UpdateStep(ctx, step); err != nil {
			return err
		}
		cause := execErr
		if d.Code != api.CodeOf(execErr) {
			cause = api.WrapError(d.Code, d.Class, execErr, "%s failed after %d attempts", step.StepKey, step.Attempt)
		}
		return e.failRun(ctx, run, cause)
	}
}

// openRepair schedules the next instance of the step's repair step with
// the validation problems of the failed attempt.
func (e *engineImpl) openRepair(ctx context.Context, run *api.Run, w *workflow, view *runView, failed *api.RunStep, def api.StepDefinition, cause error) error {
	rd, _ := w.def.Step(def.Repair)
	var failedIn api.StepInput
	if err := json.Unmarshal(failed.InputJSON, &failedIn); err != nil {
		return fmt.Errorf("engine: decode input of %s: %w", failed.StepKey, err)
	}

	ri := &api.RepairInput{
		FailedStep: failed.StepKey,
		InputHash:  failed.InputHash,
		Message:    cause.Error(),
	}
	var verr *ir.ValidationError
	if errors.As(cause, &verr) {
		problems, err := json.Marshal(verr.Problems)
		if err != nil {
			return err
		}
		ri.Problems = problems
	}

	n := view.nextRepairIndex(rd.Key)
	in := api.StepInput{
		StepKey:   stepKey(rd.Key, n),
		BaseKey:   rd.Key,
		Handler:   rd.HandlerName(),
		Iteration: n,
		IRRef:     failedIn.IRRef,
		IRHash:    failedIn.IRHash,
		Scope:     run.Scope,
		Repair:    ri,
	}
	step := &api.RunStep{
		ID:        newID(),
		RunID:     run.ID,
		StepKey:   in.StepKey,
		BaseKey:   rd.Key,
		Iteration: n,
		Type:      rd.Type,
		Handler:   rd.HandlerName(),
		Status:    api.StepQueued,
		Attempt:   1,
		CreatedAt: e.now(),
	}
	if err := setInput(step, in, rd.UsesIteration); err != nil {
		return err
	}
	created, err := e.createStep(ctx, step)
	if err != nil {
		return err
	}
	if created.Status != api.StepQueued {
		return nil
	}
	if err := e.enqueue(ctx, run, created, 0); err != nil {
		return err
	}
	e.emitLog(ctx, run.ID, "info", "repair scheduled for "+failed.StepKey, created.StepKey, created.Attempt)
	return nil
}
