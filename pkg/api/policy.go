package api

import "time"

// DefaultMaxFixLoops bounds the layout fix loop when no policy overrides it.
const DefaultMaxFixLoops = 3

// RetryPolicy configures per-step-type execution limits.
//
// Backoff grows exponentially from InitialBackoff by BackoffMultiplier,
// capped at MaxBackoff. Jitter in [0,1] spreads each delay by up to that
// fraction.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	InitialBackoff    time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            float64       `json:"jitter" yaml:"jitter"`
	Retryable         []Class       `json:"retryable" yaml:"retryable"`
}

// Retries reports whether the policy lists class as retryable.
func (p RetryPolicy) Retries(class Class) bool {
	for _, c := range p.Retryable {
		if c == class {
			return true
		}
	}
	return false
}

// PolicySnapshot is the effective policy of a run, copied at creation and
// never changed afterwards.
type PolicySnapshot struct {
	MaxFixLoops          int                      `json:"max_fix_loops"`
	RequireApproval      bool                     `json:"require_approval"`
	AllowExternalNetwork bool                     `json:"allow_external_network"`
	MaxRepairs           int                      `json:"max_repairs"`
	Steps                map[StepType]RetryPolicy `json:"steps"`
}

// Clone returns a deep copy.
func (p PolicySnapshot) Clone() PolicySnapshot {
	c := p
	if p.Steps != nil {
		c.Steps = make(map[StepType]RetryPolicy, len(p.Steps))
		for k, v := range p.Steps {
			v.Retryable = append([]Class(nil), v.Retryable...)
			c.Steps[k] = v
		}
	}
	return c
}

// PolicyOverrides are per-request adjustments applied on top of the
// engine's default policy before it is snapshotted.
type PolicyOverrides struct {
	MaxFixLoops          *int  `json:"max_fix_loops,omitempty"`
	RequireApproval      *bool `json:"require_approval,omitempty"`
	AllowExternalNetwork *bool `json:"allow_external_network,omitempty"`
}

// Apply returns p with the overrides applied.
func (o *PolicyOverrides) Apply(p PolicySnapshot) PolicySnapshot {
	out := p.Clone()
	if o == nil {
		return out
	}
	if o.MaxFixLoops != nil && *o.MaxFixLoops >= 0 {
		out.MaxFixLoops = *o.MaxFixLoops
	}
	if o.RequireApproval != nil {
		out.RequireApproval = *o.RequireApproval
	}
	if o.AllowExternalNetwork != nil {
		out.AllowExternalNetwork = *o.AllowExternalNetwork
	}
	return out
}
