// Package retry decides what happens after a step attempt fails: retry with
// backoff, route to a repair step, or fail the run.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

// DefaultMaxRepairs bounds repair attempts per failing step.
const DefaultMaxRepairs = 2

var transient = []api.Class{api.ClassTimeout, api.ClassRateLimit, api.ClassTransientIO}

// Defaults returns the built-in per step type policies.
func Defaults() map[api.StepType]api.RetryPolicy {
	backoff := func(p api.RetryPolicy) api.RetryPolicy {
		p.InitialBackoff = 500 * time.Millisecond
		p.MaxBackoff = 10 * time.Second
		p.BackoffMultiplier = 2
		p.Jitter = 0.2
		p.Retryable = append([]api.Class(nil), transient...)
		return p
	}
	return map[api.StepType]api.RetryPolicy{
		api.StepAgent:    backoff(api.RetryPolicy{MaxAttempts: 3, Timeout: 120 * time.Second}),
		api.StepTool:     backoff(api.RetryPolicy{MaxAttempts: 3, Timeout: 60 * time.Second}),
		api.StepSystem:   backoff(api.RetryPolicy{MaxAttempts: 2, Timeout: 30 * time.Second}),
		api.StepRender:   backoff(api.RetryPolicy{MaxAttempts: 2, Timeout: 60 * time.Second}),
		api.StepQuality:  backoff(api.RetryPolicy{MaxAttempts: 2, Timeout: 30 * time.Second}),
		api.StepApproval: {MaxAttempts: 1},
	}
}

// DefaultPolicy returns the policy snapshot used when nothing overrides it.
func DefaultPolicy() api.PolicySnapshot {
	return api.PolicySnapshot{
		MaxFixLoops: api.DefaultMaxFixLoops,
		MaxRepairs:  DefaultMaxRepairs,
		Steps:       Defaults(),
	}
}

// Effective resolves the policy for one step: the definition's override,
// then the run snapshot, then the built-in default. A definition timeout
// replaces the policy timeout.
func Effective(snap api.PolicySnapshot, def api.StepDefinition) api.RetryPolicy {
	var p api.RetryPolicy
	switch {
	case def.Retry != nil:
		p = *def.Retry
	default:
		var ok bool
		if p, ok = snap.Steps[def.Type]; !ok {
			p = Defaults()[def.Type]
		}
	}
	if def.Timeout > 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Classify maps err onto the failure taxonomy.
func Classify(err error) api.Class {
	return api.ClassOf(err)
}

// Action is the outcome of Decide.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionRepair Action = "repair"
	ActionFail   Action = "fail"
	ActionCancel Action = "cancel"
)

// Decision is what the orchestrator should do with a failed attempt.
type Decision struct {
	Action Action
	Class  api.Class
	// Delay before the retry runs.
	Delay time.Duration
	// Code is the run error code when Action is ActionFail.
	Code api.Code
}

// Decide applies p to a failed attempt. attempt is 1-based; canRepair
// reports whether the step declares a repair step with budget left.
func Decide(p api.RetryPolicy, err error, attempt int, canRepair bool) Decision {
	class := Classify(err)
	d := Decision{Class: class}
	switch {
	case class == api.ClassCancelled:
		d.Action = ActionCancel
		d.Code = api.CodeCancelled
	case class == api.ClassValidation:
		if canRepair {
			d.Action = ActionRepair
		} else {
			d.Action = ActionFail
			d.Code = api.CodeOf(err)
		}
	case p.Retries(class):
		if attempt < p.MaxAttempts {
			d.Action = ActionRetry
			d.Delay = Backoff(p, attempt, rand.Float64())
		} else {
			d.Action = ActionFail
			d.Code = api.CodeRetryExhausted
		}
	default:
		d.Action = ActionFail
		d.Code = api.CodeOf(err)
	}
	return d
}

// Backoff returns the delay before retry number attempt (1-based). r in
// [0,1) places the delay within the jitter band.
func Backoff(p api.RetryPolicy, attempt int, r float64) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*r-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
