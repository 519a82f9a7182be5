package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/deckflow/pkg/api"
)

const meterName = "github.com/petrijr/deckflow"

// Observer records run and step metrics. It implements api.Observer.
type Observer struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	stepDuration metric.Float64Histogram
	stepErrors   metric.Int64Counter
	stepRetries  metric.Int64Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates the instruments on mp. A nil mp means the global
// meter provider.
func NewObserver(mp metric.MeterProvider) (*Observer, error) {
	var m metric.Meter
	if mp == nil {
		m = Meter(meterName)
	} else {
		m = mp.Meter(meterName)
	}

	o := &Observer{}
	var err error
	if o.runsStarted, err = m.Int64Counter("deckflow.runs.started",
		metric.WithDescription("Runs that left the created state")); err != nil {
		return nil, err
	}
	if o.runsFinished, err = m.Int64Counter("deckflow.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, err
	}
	if o.stepDuration, err = m.Float64Histogram("deckflow.step.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Handler latency per step attempt")); err != nil {
		return nil, err
	}
	if o.stepErrors, err = m.Int64Counter("deckflow.step.errors",
		metric.WithDescription("Failed step attempts")); err != nil {
		return nil, err
	}
	if o.stepRetries, err = m.Int64Counter("deckflow.step.retries",
		metric.WithDescription("Step attempts scheduled for retry")); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Observer) OnRunStart(ctx context.Context, run *api.Run) {
	o.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", run.Workflow)))
}

func (o *Observer) OnRunFinished(ctx context.Context, run *api.Run) {
	o.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", run.Workflow),
		attribute.String("status", string(run.Status)),
	))
}

func (o *Observer) OnStepStart(context.Context, *api.Run, *api.RunStep) {}

func (o *Observer) OnStepCompleted(ctx context.Context, _ *api.Run, step *api.RunStep, err error, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step", step.BaseKey),
		attribute.String("step_type", string(step.Type)),
	)
	o.stepDuration.Record(ctx, float64(d.Microseconds())/1000, attrs)
	if err != nil {
		o.stepErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", step.BaseKey),
			attribute.String("code", string(api.CodeOf(err))),
		))
	}
}

func (o *Observer) OnStepRetry(ctx context.Context, _ *api.Run, step *api.RunStep, _ time.Duration) {
	o.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step.BaseKey)))
}
