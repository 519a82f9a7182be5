package deckflow

import (
	"fmt"
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining workflows together with
// the handlers their steps run:
//
//	flow := deckflow.New("brief").
//	    Tool("outline", outline).
//	    Agent("draft", draft, deckflow.After("outline")).
//	    Approval("review", deckflow.After("draft")).
//	    System("publish", publish, deckflow.After("review"))
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	run, _, err := deckflow.CreateRun(ctx, engine, deckflow.CreateRunRequest{Workflow: flow.Name()})
type FlowBuilder struct {
	def      api.WorkflowDefinition
	handlers map[string]StepHandler
	order    []string
}

// StepOption adjusts a step definition.
type StepOption func(*api.StepDefinition)

// After declares dependencies. Each must name an earlier step.
func After(keys ...string) StepOption {
	return func(d *api.StepDefinition) { d.DependsOn = append(d.DependsOn, keys...) }
}

// When sets the predicate over run state that gates the step.
func When(expr string) StepOption {
	return func(d *api.StepDefinition) { d.When = expr }
}

// WithRetry overrides the run policy for this step.
func WithRetry(p RetryPolicy) StepOption {
	return func(d *api.StepDefinition) {
		// Copy so callers can reuse their policy value.
		r := p
		d.Retry = &r
	}
}

// WithTimeout overrides the policy timeout for this step.
func WithTimeout(t time.Duration) StepOption {
	return func(d *api.StepDefinition) { d.Timeout = t }
}

// RepairWith routes validation failures of the step to an on-demand step.
func RepairWith(key string) StepOption {
	return func(d *api.StepDefinition) { d.Repair = key }
}

// LoopTo makes the step the tail of a loop that restarts at key.
func LoopTo(key string) StepOption {
	return func(d *api.StepDefinition) { d.LoopTo = key }
}

// UsesIteration declares that the handler reads StepContext.Input.Iteration,
// so each loop iteration runs it even when its other inputs are unchanged.
func UsesIteration() StepOption {
	return func(d *api.StepDefinition) { d.UsesIteration = true }
}

// OnDemand marks a step the engine only schedules explicitly.
func OnDemand() StepOption {
	return func(d *api.StepDefinition) { d.OnDemand = true }
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
		handlers: make(map[string]StepHandler),
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Version sets the workflow version recorded on runs.
func (b *FlowBuilder) Version(v string) *FlowBuilder {
	b.def.Version = v
	return b
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// Step appends a step of the given type. h may be nil when the step reuses
// a handler registered under another name (see Handler) or is an approval
// gate.
func (b *FlowBuilder) Step(key string, typ StepType, h StepHandler, opts ...StepOption) *FlowBuilder {
	if key == "" {
		panic("deckflow: step key must not be empty")
	}
	def := api.StepDefinition{Key: key, Type: typ}
	for _, opt := range opts {
		opt(&def)
	}
	if h != nil {
		name := def.HandlerName()
		if _, dup := b.handlers[name]; dup {
			panic(fmt.Sprintf("deckflow: handler %q declared twice", name))
		}
		b.handlers[name] = h
		b.order = append(b.order, name)
	}
	b.def.Steps = append(b.def.Steps, def)
	return b
}

// Handler binds a step to a handler registered under name. Several steps
// may share one handler this way.
func Handler(name string) StepOption {
	return func(d *api.StepDefinition) { d.Handler = name }
}

// Tool appends a deterministic tool step.
func (b *FlowBuilder) Tool(key string, fn StepHandlerFunc, opts ...StepOption) *FlowBuilder {
	return b.Step(key, api.StepTool, nonNil(key, fn), opts...)
}

// Agent appends a step that calls a content agent.
func (b *FlowBuilder) Agent(key string, fn StepHandlerFunc, opts ...StepOption) *FlowBuilder {
	return b.Step(key, api.StepAgent, nonNil(key, fn), opts...)
}

// System appends a bookkeeping step.
func (b *FlowBuilder) System(key string, fn StepHandlerFunc, opts ...StepOption) *FlowBuilder {
	return b.Step(key, api.StepSystem, nonNil(key, fn), opts...)
}

// Approval appends a gate that parks the run until Engine.Approve.
func (b *FlowBuilder) Approval(key string, opts ...StepOption) *FlowBuilder {
	return b.Step(key, api.StepApproval, nil, opts...)
}

func nonNil(key string, fn StepHandlerFunc) StepHandler {
	if fn == nil {
		panic(fmt.Sprintf("deckflow: step %q has nil handler", key))
	}
	return fn
}

// Register registers the handlers and then the workflow with the given
// engine.
func (b *FlowBuilder) Register(eng Engine) error {
	for _, name := range b.order {
		if err := eng.RegisterHandler(name, b.handlers[name]); err != nil {
			return err
		}
	}
	return eng.RegisterWorkflow(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
