package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/deckflow/pkg/api"
)

// Run state variables the engine maintains. Handlers may set further
// variables through StepResult.Vars.
const (
	VarHasIR           = "input.has_ir"
	VarRequireApproval = "policy.require_approval"
	VarMaxFixLoops     = "policy.max_fix_loops"
	VarAllowExternal   = "policy.allow_external_network"
	VarScopePartial    = "scope.partial"
	VarInstructions    = "scope.instructions"
	VarQCPass          = "qc.pass"
	VarFixLoops        = "fix.loops"
	VarIRRef           = "ir.ref"
	VarArtifactID      = "artifact.id"
	VarNeedsHumanEdit  = "run.needs_human_edit"
)

// stepKey returns the run-unique key of one iteration of a step.
func stepKey(base string, iteration int) string {
	if iteration == 0 {
		return base
	}
	return base + "@" + strconv.Itoa(iteration)
}

// baseKey strips the iteration suffix.
func baseKey(key string) string {
	if i := strings.IndexByte(key, '@'); i >= 0 {
		return key[:i]
	}
	return key
}

// runView indexes the steps of one run against its workflow.
type runView struct {
	w     *workflow
	steps []*api.RunStep
	byKey map[string]*api.RunStep
}

func newRunView(w *workflow, steps []*api.RunStep) *runView {
	v := &runView{w: w, byKey: make(map[string]*api.RunStep, len(steps))}
	for _, s := range steps {
		v.add(s)
	}
	return v
}

func (v *runView) add(s *api.RunStep) {
	if _, ok := v.byKey[s.StepKey]; !ok {
		v.steps = append(v.steps, s)
	} else {
		for i := range v.steps {
			if v.steps[i].StepKey == s.StepKey {
				v.steps[i] = s
			}
		}
	}
	v.byKey[s.StepKey] = s
}

// iteration returns the loop iteration a step is currently at: the number
// of successful runs of the loop tail containing it, or 0 outside loops.
func (v *runView) iteration(key string) int {
	tail, ok := v.w.loopOf[key]
	if !ok {
		return 0
	}
	n := 0
	for _, s := range v.steps {
		if s.BaseKey == tail && s.Status == api.StepSucceeded {
			n++
		}
	}
	return n
}

// current returns the instance of key for its current iteration, or nil
// when it has not been scheduled.
func (v *runView) current(key string) *api.RunStep {
	return v.byKey[stepKey(key, v.iteration(key))]
}

func (v *runView) depsDone(d api.StepDefinition) bool {
	for _, dep := range d.DependsOn {
		cur := v.current(dep)
		if cur == nil || (cur.Status != api.StepSucceeded && cur.Status != api.StepSkipped) {
			return false
		}
	}
	return true
}

// active counts steps that are queued, running or parked at an approval
// gate.
func (v *runView) active() int {
	n := 0
	for _, s := range v.steps {
		if s.Status.InFlight() || s.Status == api.StepWaitingApproval {
			n++
		}
	}
	return n
}

// running counts steps a worker may be executing right now.
func (v *runView) running() int {
	n := 0
	for _, s := range v.steps {
		if s.Status == api.StepRunning {
			n++
		}
	}
	return n
}

// repairs counts the repair instances opened for failedKey.
func (v *runView) repairs(repairKey, failedKey string) int {
	n := 0
	for _, s := range v.steps {
		if s.BaseKey != repairKey {
			continue
		}
		var in api.StepInput
		if json.Unmarshal(s.InputJSON, &in) == nil && in.Repair != nil && in.Repair.FailedStep == failedKey {
			n++
		}
	}
	return n
}

// nextRepairIndex returns n for the next repair_key@n.
func (v *runView) nextRepairIndex(repairKey string) int {
	n := 0
	for _, s := range v.steps {
		if s.BaseKey == repairKey {
			n++
		}
	}
	return n + 1
}

// reusable returns a succeeded instance of the same step with the same
// input hash, if any.
func (v *runView) reusable(base, hash string) *api.RunStep {
	for _, s := range v.steps {
		if s.BaseKey == base && s.InputHash == hash && s.Status == api.StepSucceeded {
			return s
		}
	}
	return nil
}

// candidate is a step iteration that has not been scheduled yet.
type candidate struct {
	def       api.StepDefinition
	key       string
	iteration int
}

// frontier is the scheduling situation of a run.
type frontier struct {
	// ready steps have their dependencies done and their predicate holds.
	ready []candidate
	// blocked steps have their dependencies done but their predicate is
	// false. They are skipped once nothing else can make progress.
	blocked []candidate
	active  int
	// unfinished lists current step instances that are not final.
	unfinished []string
}

func (v *runView) frontier(state map[string]any) frontier {
	f := frontier{active: v.active()}
	for _, d := range v.w.def.Steps {
		if d.OnDemand {
			continue
		}
		it := v.iteration(d.Key)
		key := stepKey(d.Key, it)
		if cur := v.byKey[key]; cur != nil {
			if !cur.Status.Final() {
				f.unfinished = append(f.unfinished, key)
			}
			continue
		}
		f.unfinished = append(f.unfinished, key)
		if !v.depsDone(d) {
			continue
		}
		c := candidate{def: d, key: key, iteration: it}
		if v.w.preds[d.Key].Eval(state) {
			f.ready = append(f.ready, c)
		} else {
			f.blocked = append(f.blocked, c)
		}
	}
	return f
}

// progress is the share of workflow steps whose current instance is final.
func (v *runView) progress() int {
	total, done := 0, 0
	for _, d := range v.w.def.Steps {
		if d.OnDemand {
			continue
		}
		total++
		if cur := v.current(d.Key); cur != nil && cur.Status.Final() {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

// hashInput fingerprints a step input. Keys that only say where content
// lives are left out; the hashes of that content stay in. The iteration
// counts only for steps whose handler reads it.
func hashInput(in api.StepInput, withIteration bool) (string, error) {
	in.StepKey = ""
	in.IRRef = ""
	in.Deps = nil
	if !withIteration {
		in.Iteration = 0
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("engine: hash step input: %w", err)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stateString(state map[string]any, key string) string {
	s, _ := state[key].(string)
	return s
}

func stateInt(state map[string]any, key string) int {
	switch n := state[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stateBool(state map[string]any, key string) bool {
	b, _ := state[key].(bool)
	return b
}
