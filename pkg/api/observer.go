package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestrator for logging and metrics.
//
// Implementations should be fast and non-blocking.
type Observer interface {
	// OnRunStart is called once when a run leaves the created state.
	OnRunStart(ctx context.Context, run *Run)

	// OnRunFinished is called when a run reaches a terminal status.
	OnRunFinished(ctx context.Context, run *Run)

	// OnStepStart is called before a handler is invoked.
	OnStepStart(ctx context.Context, run *Run, step *RunStep)

	// OnStepCompleted is called after a handler returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, run *Run, step *RunStep, err error, duration time.Duration)

	// OnStepRetry is called when a failed attempt is re-enqueued.
	OnStepRetry(ctx context.Context, run *Run, step *RunStep, delay time.Duration)
}

// NoopObserver is the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run *Run)                {}
func (NoopObserver) OnRunFinished(ctx context.Context, run *Run)             {}
func (NoopObserver) OnStepStart(ctx context.Context, run *Run, step *RunStep) {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run *Run, step *RunStep, err error, d time.Duration) {
}
func (NoopObserver) OnStepRetry(ctx context.Context, run *Run, step *RunStep, delay time.Duration) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards to each non-nil
// observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run *Run) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run *Run, step *RunStep) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run *Run, step *RunStep, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, err, d)
	}
}

func (c *CompositeObserver) OnStepRetry(ctx context.Context, run *Run, step *RunStep, delay time.Duration) {
	for _, o := range c.observers {
		o.OnStepRetry(ctx, run, step, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run and step lifecycle
// events. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run *Run) {
	o.Logger.InfoContext(ctx, "run_start",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("project_id", run.ProjectID),
	)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run *Run) {
	level := slog.LevelInfo
	if run.Status == RunFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "run_finished",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Bool("needs_human_edit", run.NeedsHumanEdit),
		slog.String("error_code", string(run.ErrorCode)),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run *Run, step *RunStep) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("run_id", run.ID),
		slog.String("step", step.StepKey),
		slog.String("type", string(step.Type)),
		slog.Int("attempt", step.Attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run *Run, step *RunStep, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("run_id", run.ID),
		slog.String("step", step.StepKey),
		slog.Int("attempt", step.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepRetry(ctx context.Context, run *Run, step *RunStep, delay time.Duration) {
	o.Logger.InfoContext(ctx, "step_retry",
		slog.String("run_id", run.ID),
		slog.String("step", step.StepKey),
		slog.Int("next_attempt", step.Attempt),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsFailed        atomic.Int64
	runsCancelled     atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	stepRetries       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsCancelled int64
	PendingRuns   int64

	StepsCompleted  int64
	StepsFailed     int64
	StepRetries     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run *Run) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run *Run) {
	switch run.Status {
	case RunCompleted:
		m.runsCompleted.Add(1)
	case RunFailed:
		m.runsFailed.Add(1)
	case RunCancelled:
		m.runsCancelled.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run *Run, step *RunStep, err error, d time.Duration) {
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepRetry(ctx context.Context, run *Run, step *RunStep, delay time.Duration) {
	m.stepRetries.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	completed := m.runsCompleted.Load()
	failed := m.runsFailed.Load()
	cancelled := m.runsCancelled.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsCompleted:   completed,
		RunsFailed:      failed,
		RunsCancelled:   cancelled,
		PendingRuns:     started - completed - failed - cancelled,
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		StepRetries:     m.stepRetries.Load(),
		AvgStepDuration: avg,
	}
}
