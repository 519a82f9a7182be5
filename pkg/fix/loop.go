package fix

import (
	"context"

	"github.com/petrijr/deckflow/pkg/ir"
	"github.com/petrijr/deckflow/pkg/qc"
)

// LoopResult is the outcome of Run.
type LoopResult struct {
	IR *ir.SlideSpec
	// Initial is the report before any fix; Final after the last one.
	Initial *qc.Report
	Final   *qc.Report
	Patches []Patch
	Loops   int
	// NeedsHumanEdit is set when issues remain after the loop ended.
	NeedsHumanEdit bool
}

// Run plans spec and applies fix iterations until the quality check
// passes, an iteration changes nothing, or maxLoops iterations ran. It is
// the in-process equivalent of the render, check and fix steps of a run.
func (f *Fixer) Run(ctx context.Context, spec *ir.SlideSpec, maxLoops int, allowExternal bool) (*LoopResult, error) {
	plan, err := f.layout.Plan(ctx, spec)
	if err != nil {
		return nil, err
	}
	report := qc.Check(plan)
	res := &LoopResult{IR: spec, Initial: report, Final: report}
	for res.Loops < maxLoops && !res.Final.Pass {
		step, err := f.Fix(ctx, Request{IR: res.IR, Iteration: res.Loops + 1, AllowExternalNetwork: allowExternal})
		if err != nil {
			return nil, err
		}
		res.Loops++
		res.Patches = append(res.Patches, step.Patch)
		if !step.Changed {
			break
		}
		res.IR = step.IR
		res.Final = step.After
	}
	res.NeedsHumanEdit = !res.Final.Pass
	return res, nil
}
