package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/petrijr/deckflow/pkg/api"
)

// workflow is a validated definition with its predicates compiled.
type workflow struct {
	def   api.WorkflowDefinition
	preds map[string]*Predicate
	// loopOf maps a step key to the tail of the loop range containing it.
	loopOf      map[string]string
	hasApproval bool
}

// compileWorkflow validates def: unique keys, known step types, each
// dependency declared earlier, repair targets that are on-demand steps,
// loop targets at or before the loop tail and parseable predicates.
func compileWorkflow(def api.WorkflowDefinition) (*workflow, error) {
	invalid := func(format string, args ...any) error {
		return api.NewError(api.CodeWorkflowInvalid, api.ClassFatal, "workflow %q: %s", def.Name, fmt.Sprintf(format, args...))
	}
	if def.Name == "" {
		return nil, api.NewError(api.CodeWorkflowInvalid, api.ClassFatal, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		return nil, invalid("at least one step is required")
	}

	w := &workflow{
		def:    def,
		preds:  make(map[string]*Predicate, len(def.Steps)),
		loopOf: make(map[string]string),
	}
	seen := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		switch {
		case s.Key == "":
			return nil, invalid("step %d has no key", i)
		case strings.Contains(s.Key, "@"):
			return nil, invalid("step key %q must not contain '@'", s.Key)
		case !s.Type.Valid():
			return nil, invalid("step %s has unknown type %q", s.Key, s.Type)
		}
		if _, dup := seen[s.Key]; dup {
			return nil, invalid("duplicate step key %s", s.Key)
		}
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return nil, invalid("step %s depends on %s, which is not declared before it", s.Key, dep)
			}
		}
		seen[s.Key] = i

		p, err := CompilePredicate(s.When)
		if err != nil {
			return nil, invalid("step %s: %v", s.Key, err)
		}
		w.preds[s.Key] = p
		if s.Type == api.StepApproval {
			w.hasApproval = true
		}
	}

	for i, s := range def.Steps {
		if s.Repair != "" {
			rd, ok := def.Step(s.Repair)
			if !ok || !rd.OnDemand {
				return nil, invalid("step %s repairs through %s, which is not an on-demand step", s.Key, s.Repair)
			}
		}
		if s.LoopTo == "" {
			continue
		}
		from, ok := seen[s.LoopTo]
		if !ok || from > i {
			return nil, invalid("step %s loops to %s, which is not declared before it", s.Key, s.LoopTo)
		}
		for _, member := range def.Steps[from : i+1] {
			if other, taken := w.loopOf[member.Key]; taken {
				return nil, invalid("step %s is in the loops of both %s and %s", member.Key, other, s.Key)
			}
			w.loopOf[member.Key] = s.Key
		}
	}
	return w, nil
}

// workflowRegistry holds compiled workflows by name.
type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]*workflow
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{byName: make(map[string]*workflow)}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	w, err := compileWorkflow(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		return api.NewError(api.CodeWorkflowInvalid, api.ClassFatal, "workflow %q already registered", def.Name)
	}
	r.byName[def.Name] = w
	return nil
}

func (r *workflowRegistry) Get(name string) (*workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byName[name]
	if !ok {
		return nil, api.NewError(api.CodeWorkflowNotFound, api.ClassFatal, "workflow %q not found", name)
	}
	return w, nil
}

// handlerRegistry maps handler names to implementations.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]api.StepHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]api.StepHandler)}
}

func (r *handlerRegistry) Register(name string, h api.StepHandler) error {
	if name == "" || h == nil {
		return api.NewError(api.CodeInvalidRequest, api.ClassFatal, "handler name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return api.NewError(api.CodeInvalidRequest, api.ClassFatal, "handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *handlerRegistry) Get(name string) (api.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// missing returns the handler names of w that are not registered.
// Approval steps need no handler.
func (r *handlerRegistry) missing(w *workflow) []string {
	var out []string
	for _, s := range w.def.Steps {
		if s.Type == api.StepApproval {
			continue
		}
		if _, ok := r.Get(s.HandlerName()); !ok {
			out = append(out, s.HandlerName())
		}
	}
	return out
}
