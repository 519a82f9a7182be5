// Package fix repairs layout quality issues by editing the IR. For each
// slide with issues it tries a fixed ladder of techniques, cheapest first:
// shrink fonts, tighten line spacing, trim spacing and move pinned boxes,
// fall back to a simpler preset, split content onto a continuation slide
// and finally summarize text through an external summarizer. A technique
// that does not improve the slide is reverted. Fonts never go below the
// element minimum and existing slide and element ids are never changed.
package fix

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petrijr/deckflow/pkg/ir"
	"github.com/petrijr/deckflow/pkg/layout"
	"github.com/petrijr/deckflow/pkg/qc"
)

// Summarizer shortens text to roughly maxChars characters.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

// Option configures a Fixer.
type Option func(*Fixer)

// WithSummarizer enables the summarize technique.
func WithSummarizer(s Summarizer) Option {
	return func(f *Fixer) { f.summarizer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fixer) { f.logger = l }
}

// Fixer applies fix techniques against one layout engine.
type Fixer struct {
	layout     *layout.Engine
	summarizer Summarizer
	logger     *slog.Logger
}

func New(le *layout.Engine, opts ...Option) *Fixer {
	f := &Fixer{layout: le}
	for _, opt := range opts {
		opt(f)
	}
	if f.layout == nil {
		f.layout = layout.NewEngine(nil, nil)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Request is one fix iteration.
type Request struct {
	IR        *ir.SlideSpec
	Iteration int
	// AllowExternalNetwork gates the summarize technique.
	AllowExternalNetwork bool
}

// Result is the outcome of one iteration. IR is a new document; the
// request IR is never modified.
type Result struct {
	IR      *ir.SlideSpec
	Patch   Patch
	Before  *qc.Report
	After   *qc.Report
	Plan    *layout.DeckPlan
	Changed bool
}

// Fix runs every technique tier over each slide that has issues.
func (f *Fixer) Fix(ctx context.Context, req Request) (*Result, error) {
	plan, err := f.layout.Plan(ctx, req.IR)
	if err != nil {
		return nil, err
	}
	before := qc.Check(plan)
	res := &Result{
		IR:     req.IR,
		Before: before,
		After:  before,
		Plan:   plan,
		Patch:  Patch{Iteration: req.Iteration, Applied: []Applied{}, Resolved: []IssueRef{}, Unresolved: []IssueRef{}},
	}
	if before.Pass {
		return res, nil
	}

	pending := make(map[string]bool)
	for _, id := range before.Slides() {
		pending[id] = true
	}
	work := req.IR
	for _, sl := range req.IR.Slides {
		if !pending[sl.SlideID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		work, err = f.fixSlide(ctx, work, sl.SlideID, req.AllowExternalNetwork, &res.Patch)
		if err != nil {
			return nil, err
		}
	}

	res.Changed = len(res.Patch.Applied) > 0
	if !res.Changed {
		res.Patch.Unresolved = refs(before.Issues)
		return res, nil
	}
	finalPlan, err := f.layout.Plan(ctx, work)
	if err != nil {
		return nil, err
	}
	res.IR = work
	res.Plan = finalPlan
	res.After = qc.Check(finalPlan)
	res.Patch.Unresolved = refs(res.After.Issues)
	remaining := make(map[IssueRef]bool, len(res.Patch.Unresolved))
	for _, r := range res.Patch.Unresolved {
		remaining[r] = true
	}
	for _, r := range refs(before.Issues) {
		if !remaining[r] {
			res.Patch.Resolved = append(res.Patch.Resolved, r)
		}
	}
	f.logger.InfoContext(ctx, "fix_iteration_done",
		slog.Int("iteration", req.Iteration),
		slog.Int("applied", len(res.Patch.Applied)),
		slog.Int("resolved", len(res.Patch.Resolved)),
		slog.Int("unresolved", len(res.Patch.Unresolved)),
	)
	return res, nil
}

func refs(issues []qc.Issue) []IssueRef {
	out := make([]IssueRef, 0, len(issues))
	seen := make(map[IssueRef]bool, len(issues))
	for _, is := range issues {
		r := IssueRef{Type: string(is.Type), SlideID: is.SlideID, ElementID: is.ElementID}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// slideState is a slide's plan and issues in one version of the IR.
type slideState struct {
	spec   *ir.SlideSpec
	slide  *ir.Slide
	plan   *layout.SlidePlan
	issues []qc.Issue
	score  int
}

func severityWeight(s qc.Severity) int {
	switch s {
	case qc.SeverityHigh:
		return 9
	case qc.SeverityMedium:
		return 3
	default:
		return 1
	}
}

// evaluate plans the slide ids in spec and scores their issues together.
// The first id is the slide being fixed.
func (f *Fixer) evaluate(ctx context.Context, spec *ir.SlideSpec, ids ...string) (*slideState, error) {
	st := &slideState{spec: spec}
	for n, id := range ids {
		idx := spec.SlideIndex(id)
		if idx < 0 {
			return nil, fmt.Errorf("fix: slide %q not found", id)
		}
		sp, err := f.layout.PlanSlide(ctx, &spec.Slides[idx], idx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			st.slide = &spec.Slides[idx]
			st.plan = sp
		}
		for _, is := range qc.CheckSlide(sp).Issues {
			st.issues = append(st.issues, is)
			st.score += severityWeight(is.Severity)
		}
	}
	return st, nil
}

func (st *slideState) has(types ...qc.IssueType) bool {
	for _, is := range st.issues {
		for _, t := range types {
			if is.Type == t {
				return true
			}
		}
	}
	return false
}

func (f *Fixer) fixSlide(ctx context.Context, spec *ir.SlideSpec, slideID string, allowExternal bool, patch *Patch) (*ir.SlideSpec, error) {
	st, err := f.evaluate(ctx, spec, slideID)
	if err != nil {
		return nil, err
	}
	for _, t := range tiers {
		if st.score == 0 {
			break
		}
		if t.technique == TechniqueSummarize {
			if f.summarizer == nil {
				continue
			}
			if !allowExternal {
				patch.Skipped = append(patch.Skipped, fmt.Sprintf("%s: slide %s: external network not allowed", TechniqueSummarize, slideID))
				continue
			}
		}
		for _, ops := range t.propose(ctx, f, st) {
			if len(ops) == 0 {
				continue
			}
			cand, err := Apply(st.spec, ops)
			if err != nil {
				continue
			}
			ids := []string{slideID}
			for _, op := range ops {
				if op.Op == OpInsertSlide {
					ids = append(ids, op.Slide.SlideID)
				}
			}
			next, err := f.evaluate(ctx, cand, ids...)
			if err != nil {
				continue
			}
			if next.score >= st.score || (!t.partial && next.has(t.targets...)) {
				continue
			}
			patch.Applied = append(patch.Applied, Applied{SlideID: slideID, Technique: t.technique, Operations: ops})
			if st, err = f.evaluate(ctx, cand, slideID); err != nil {
				return nil, err
			}
			break
		}
	}
	return st.spec, nil
}
