package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StepDefinition declares one node of a workflow DAG.
type StepDefinition struct {
	Key string `json:"key" yaml:"key"`

	Type StepType `json:"type" yaml:"type"`

	// Handler names the registered StepHandler. Defaults to Key.
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`

	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// When is a predicate over run state; empty means always.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Retry overrides the run policy for this step's type.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Timeout overrides the policy timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Repair names an on-demand step that receives validation failures of
	// this step.
	Repair string `json:"repair,omitempty" yaml:"repair,omitempty"`

	// LoopTo makes this step the tail of a loop: on success the engine
	// opens a new iteration of every step from LoopTo through this one.
	LoopTo string `json:"loop_to,omitempty" yaml:"loop_to,omitempty"`

	// UsesIteration marks handlers that read StepInput.Iteration. Only
	// their input hash includes the iteration; other steps reuse the
	// output of an earlier iteration that saw the same inputs.
	UsesIteration bool `json:"uses_iteration,omitempty" yaml:"uses_iteration,omitempty"`

	// OnDemand steps are never scheduled by readiness; the engine schedules
	// them explicitly (repair steps).
	OnDemand bool `json:"on_demand,omitempty" yaml:"on_demand,omitempty"`
}

// HandlerName returns Handler, falling back to Key.
func (d StepDefinition) HandlerName() string {
	if d.Handler != "" {
		return d.Handler
	}
	return d.Key
}

// WorkflowDefinition is an ordered list of step definitions.
type WorkflowDefinition struct {
	Name    string           `json:"name" yaml:"name"`
	Version string           `json:"version,omitempty" yaml:"version,omitempty"`
	Steps   []StepDefinition `json:"steps" yaml:"steps"`
}

// Step returns the definition with the given key.
func (d WorkflowDefinition) Step(key string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Key == key {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Index returns the position of key in Steps, or -1.
func (d WorkflowDefinition) Index(key string) int {
	for i, s := range d.Steps {
		if s.Key == key {
			return i
		}
	}
	return -1
}

// StepInput is the persisted input snapshot of a RunStep. It references
// other steps' outputs by key and hash rather than embedding them.
type StepInput struct {
	StepKey   string `json:"step_key"`
	BaseKey   string `json:"base_key"`
	Handler   string `json:"handler"`
	Iteration int    `json:"iteration"`

	// IRRef is the step whose output holds the current IR; empty means the
	// run input.
	IRRef  string `json:"ir_ref,omitempty"`
	IRHash string `json:"ir_hash,omitempty"`

	// Deps maps dependency base keys to the resolved step keys.
	Deps      map[string]string `json:"deps,omitempty"`
	DepHashes map[string]string `json:"dep_hashes,omitempty"`

	Scope        *Scope       `json:"scope,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Repair       *RepairInput `json:"repair,omitempty"`
}

// RepairInput describes the validation failure a repair step must fix.
type RepairInput struct {
	FailedStep string          `json:"failed_step"`
	InputHash  string          `json:"input_hash"`
	Message    string          `json:"message"`
	Problems   json.RawMessage `json:"problems,omitempty"`
}

// StepOutput is the persisted output_json of a RunStep.
type StepOutput struct {
	IR     json.RawMessage `json:"ir,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Vars   map[string]any  `json:"vars,omitempty"`
}

// DecodeResult unmarshals the handler result into v.
func (o *StepOutput) DecodeResult(v any) error {
	if o == nil || len(o.Result) == 0 {
		return fmt.Errorf("step output has no result")
	}
	return json.Unmarshal(o.Result, v)
}

// StepResult is returned by handlers.
type StepResult struct {
	// Output is marshalled into StepOutput.Result.
	Output any
	// IR, when set, becomes the run's current IR version.
	IR json.RawMessage
	// Vars are merged into run state for predicates.
	Vars    map[string]any
	Metrics StepMetrics
}

// StepHandler executes one step attempt.
type StepHandler interface {
	Execute(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)

func (f StepHandlerFunc) Execute(ctx context.Context, sc *StepContext) (*StepResult, error) {
	return f(ctx, sc)
}

// OutputLoader reads persisted step outputs.
type OutputLoader interface {
	LoadOutput(ctx context.Context, runID, stepKey string) (*StepOutput, error)
}

// Emitter appends events to a run's log.
type Emitter interface {
	Emit(ctx context.Context, runID string, typ EventType, payload any) error
}

// StepContext is what a handler sees: a snapshot of the run, its own step
// row, its input, and read access to earlier outputs.
type StepContext struct {
	Run   *Run
	Step  *RunStep
	Input StepInput

	outputs OutputLoader
	emitter Emitter
}

// NewStepContext builds a StepContext. Engines and tests use it; handlers
// only consume it.
func NewStepContext(run *Run, step *RunStep, in StepInput, outputs OutputLoader, emitter Emitter) *StepContext {
	return &StepContext{Run: run, Step: step, Input: in, outputs: outputs, emitter: emitter}
}

// Output returns the persisted output of the given step key.
func (sc *StepContext) Output(ctx context.Context, stepKey string) (*StepOutput, error) {
	if sc.outputs == nil {
		return nil, fmt.Errorf("no output loader for step %s", stepKey)
	}
	return sc.outputs.LoadOutput(ctx, sc.Run.ID, stepKey)
}

// Dep returns the output of the latest instance of a dependency.
func (sc *StepContext) Dep(ctx context.Context, baseKey string) (*StepOutput, error) {
	key, ok := sc.Input.Deps[baseKey]
	if !ok {
		return nil, fmt.Errorf("step %s does not depend on %s", sc.Input.StepKey, baseKey)
	}
	return sc.Output(ctx, key)
}

// IR returns the current IR document for this step.
func (sc *StepContext) IR(ctx context.Context) (json.RawMessage, error) {
	if sc.Input.IRRef == "" {
		var in RunInput
		if len(sc.Run.Input) > 0 {
			if err := json.Unmarshal(sc.Run.Input, &in); err != nil {
				return nil, fmt.Errorf("decode run input: %w", err)
			}
		}
		if len(in.IR) == 0 {
			return nil, NewError(CodeIRValidationFailed, ClassValidation, "run has no IR yet")
		}
		return in.IR, nil
	}
	out, err := sc.Output(ctx, sc.Input.IRRef)
	if err != nil {
		return nil, err
	}
	if len(out.IR) == 0 {
		return nil, fmt.Errorf("step %s produced no IR", sc.Input.IRRef)
	}
	return out.IR, nil
}

// Emit appends an event to the run's log.
func (sc *StepContext) Emit(ctx context.Context, typ EventType, payload any) error {
	if sc.emitter == nil {
		return nil
	}
	return sc.emitter.Emit(ctx, sc.Run.ID, typ, payload)
}
