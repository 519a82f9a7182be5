package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/petrijr/deckflow/internal/agent"
	"github.com/petrijr/deckflow/internal/persistence"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/fix"
	"github.com/petrijr/deckflow/pkg/ir"
	"github.com/petrijr/deckflow/pkg/layout"
	"github.com/petrijr/deckflow/pkg/qc"
)

type deckHandlers struct {
	agents    agent.Set
	layout    *layout.Engine
	fixer     *fix.Fixer
	artifacts persistence.ArtifactStore
	logger    *slog.Logger
}

// Step results of the deck handlers.
type (
	DraftResult struct {
		Slides int `json:"slides"`
	}
	ValidateResult struct {
		Slides int    `json:"slides"`
		IRHash string `json:"ir_hash"`
	}
	RepairResult struct {
		FailedStep string `json:"failed_step"`
		Problems   int    `json:"problems"`
	}
	RegenerateResult struct {
		SlideIDs []string `json:"slide_ids"`
	}
	FinalizeResult struct {
		ArtifactID string `json:"artifact_id"`
		Version    int    `json:"version"`
		Checksum   string `json:"checksum"`
	}
)

type externalAgent interface {
	External() bool
}

// allowAgent refuses agents that leave the process when the run policy
// forbids external network access.
func allowAgent(sc *api.StepContext, a any, role string) error {
	if x, ok := a.(externalAgent); ok && x.External() && !sc.Run.Policy.AllowExternalNetwork {
		return api.PolicyError("%s agent needs external network access, which the run policy denies", role)
	}
	return nil
}

func (d *deckHandlers) draft(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	if err := allowAgent(sc, d.agents.Drafter, "drafting"); err != nil {
		return nil, err
	}
	var in api.RunInput
	if err := json.Unmarshal(sc.Run.Input, &in); err != nil {
		return nil, api.WrapError(api.CodeInvalidRequest, api.ClassFatal, err, "decode run input")
	}
	doc, err := d.agents.Drafter.Draft(ctx, agent.DraftRequest{
		Prompt:     in.Prompt,
		Language:   in.Language,
		Audience:   in.Audience,
		Tone:       in.Tone,
		SlideCount: in.SlideCount,
	})
	if err != nil {
		return nil, err
	}
	// Strict checks are left to validate_ir, which can route to repair.
	var spec ir.SlideSpec
	if err := json.Unmarshal(doc, &spec); err != nil {
		return nil, api.ValidationError(err, "drafted document")
	}
	return &api.StepResult{IR: doc, Output: DraftResult{Slides: len(spec.Slides)}}, nil
}

func (d *deckHandlers) regenerate(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	if sc.Input.Scope == nil || len(sc.Input.Scope.SlideIDs) == 0 {
		return nil, api.NewError(api.CodeInvalidRequest, api.ClassFatal, "regeneration without a slide scope")
	}
	if err := allowAgent(sc, d.agents.Regenerator, "regeneration"); err != nil {
		return nil, err
	}
	doc, err := sc.IR(ctx)
	if err != nil {
		return nil, err
	}
	before, err := ir.Parse(doc)
	if err != nil {
		return nil, api.ValidationError(err, "document to regenerate")
	}
	out, err := d.agents.Regenerator.Regenerate(ctx, doc, sc.Input.Scope.SlideIDs, sc.Input.Instructions)
	if err != nil {
		return nil, err
	}
	after, err := ir.Parse(out)
	if err != nil {
		return nil, api.ValidationError(err, "regenerated document")
	}
	for _, sl := range before.Slides {
		if after.Slide(sl.SlideID) == nil {
			return nil, api.NewError(api.CodeIRValidationFailed, api.ClassValidation,
				"regeneration dropped slide %s", sl.SlideID)
		}
	}
	return &api.StepResult{
		IR:     out,
		Output: RegenerateResult{SlideIDs: sc.Input.Scope.SlideIDs},
	}, nil
}

// validate checks the current IR against the schema. Failures are
// validation errors carrying the problem list, which routes them to repair.
func (d *deckHandlers) validate(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	doc, err := sc.IR(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := ir.Decode(doc)
	if err != nil {
		return nil, api.ValidationError(err, "slidespec")
	}
	hash, err := ir.Hash(spec)
	if err != nil {
		return nil, err
	}
	return &api.StepResult{
		Output: ValidateResult{Slides: len(spec.Slides), IRHash: hash},
		Vars:   map[string]any{"ir.valid": true},
	}, nil
}

func (d *deckHandlers) repair(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	ri := sc.Input.Repair
	if ri == nil {
		return nil, api.NewError(api.CodeInternal, api.ClassFatal, "repair step without a failure to repair")
	}
	if err := allowAgent(sc, d.agents.Repairer, "repair"); err != nil {
		return nil, err
	}
	doc, err := sc.IR(ctx)
	if err != nil {
		return nil, err
	}
	var problems []ir.Problem
	if len(ri.Problems) > 0 {
		if err := json.Unmarshal(ri.Problems, &problems); err != nil {
			return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "decode repair problems")
		}
	}
	msgs := make([]string, 0, len(problems))
	for _, p := range problems {
		msgs = append(msgs, p.Path+": "+p.Message)
	}
	if len(msgs) == 0 {
		msgs = append(msgs, ri.Message)
	}
	out, err := d.agents.Repairer.Repair(ctx, doc, msgs)
	if err != nil {
		return nil, err
	}
	return &api.StepResult{
		IR:     out,
		Output: RepairResult{FailedStep: ri.FailedStep, Problems: len(problems)},
	}, nil
}

// render lays out the deck slide by slide, reporting progress per slide.
func (d *deckHandlers) render(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	doc, err := sc.IR(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := ir.Parse(doc)
	if err != nil {
		return nil, api.ValidationError(err, "document to render")
	}
	hash, err := ir.Hash(spec)
	if err != nil {
		return nil, err
	}
	pkg := d.layout.Package()
	plan := &layout.DeckPlan{
		PackageID:      pkg.ID,
		PackageVersion: pkg.Version,
		Slide:          pkg.Slide,
		IRHash:         hash,
		Slides:         make([]layout.SlidePlan, 0, len(spec.Slides)),
	}
	total := len(spec.Slides)
	for i := range spec.Slides {
		sp, err := d.layout.PlanSlide(ctx, &spec.Slides[i], i)
		if err != nil {
			return nil, layoutError(err, spec.Slides[i].SlideID)
		}
		plan.Slides = append(plan.Slides, *sp)
		_ = sc.Emit(ctx, api.EventProgress, api.ProgressPayload{
			Status:       sc.Run.Status,
			Progress:     sc.Run.Progress,
			StepKey:      sc.Step.StepKey,
			StepStatus:   string(api.StepRunning),
			CurrentSlide: i + 1,
			TotalSlides:  total,
			Message:      "laid out " + spec.Slides[i].SlideID,
		})
	}
	return &api.StepResult{
		Output: plan,
		Vars:   map[string]any{"render.slides": total},
	}, nil
}

func layoutError(err error, slideID string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, layout.ErrSlotUnmatched):
		return api.WrapError(api.CodeLayoutSlotUnmatched, api.ClassFatal, err, "slide %s", slideID)
	case errors.Is(err, layout.ErrZeroArea):
		return api.WrapError(api.CodeLayoutZeroArea, api.ClassFatal, err, "slide %s", slideID)
	case errors.Is(err, layout.ErrPresetUnknown):
		return api.WrapError(api.CodeLayoutPresetUnknown, api.ClassFatal, err, "slide %s", slideID)
	}
	return api.WrapError(api.CodeInternal, api.ClassFatal, err, "lay out slide %s", slideID)
}

func (d *deckHandlers) quality(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	out, err := sc.Dep(ctx, HandlerRenderPlan)
	if err != nil {
		return nil, err
	}
	var plan layout.DeckPlan
	if err := out.DecodeResult(&plan); err != nil {
		return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "decode layout plan")
	}
	report := qc.Check(&plan)
	_ = sc.Emit(ctx, api.EventIntermediate, map[string]any{
		"step_key": sc.Step.StepKey,
		"qc":       report.Counts,
		"pass":     report.Pass,
	})
	return &api.StepResult{
		Output: report,
		Vars:   map[string]any{VarQCPass: report.Pass},
	}, nil
}

// fixLayout runs one fix iteration. An iteration that changes nothing
// exhausts the loop budget, since repeating it cannot help.
func (d *deckHandlers) fixLayout(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	doc, err := sc.IR(ctx)
	if err != nil {
		return nil, err
	}
	spec, err := ir.Parse(doc)
	if err != nil {
		return nil, api.ValidationError(err, "document to fix")
	}
	res, err := d.fixer.Fix(ctx, fix.Request{
		IR:                   spec,
		Iteration:            sc.Input.Iteration + 1,
		AllowExternalNetwork: sc.Run.Policy.AllowExternalNetwork,
	})
	if err != nil {
		return nil, layoutError(err, "")
	}
	fixed, err := ir.Marshal(res.IR)
	if err != nil {
		return nil, err
	}
	loops := sc.Input.Iteration + 1
	if !res.Changed {
		loops = max(loops, sc.Run.Policy.MaxFixLoops)
	}
	_ = sc.Emit(ctx, api.EventIntermediate, map[string]any{
		"step_key":   sc.Step.StepKey,
		"applied":    len(res.Patch.Applied),
		"resolved":   len(res.Patch.Resolved),
		"unresolved": len(res.Patch.Unresolved),
	})
	return &api.StepResult{
		IR:     fixed,
		Output: res.Patch,
		Vars:   map[string]any{VarFixLoops: loops},
	}, nil
}

// finalize stores the IR and the last plan as an immutable artifact
// version. A retried attempt finds the version it already stored.
func (d *deckHandlers) finalize(ctx context.Context, sc *api.StepContext) (*api.StepResult, error) {
	doc, err := sc.IR(ctx)
	if err != nil {
		return nil, err
	}
	planOut, err := sc.Dep(ctx, HandlerRenderPlan)
	if err != nil {
		return nil, err
	}
	qcOut, err := sc.Dep(ctx, HandlerQualityCheck)
	if err != nil {
		return nil, err
	}
	var report qc.Report
	if err := qcOut.DecodeResult(&report); err != nil {
		return nil, api.WrapError(api.CodeInternal, api.ClassFatal, err, "decode qc report")
	}
	issues, err := json.Marshal(report.Issues)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write(doc)
	h.Write(planOut.Result)
	a := &api.ArtifactVersion{
		ID:             artifactID(sc.Run),
		ProjectID:      sc.Run.ProjectID,
		RunID:          sc.Run.ID,
		ParentRunID:    sc.Run.ParentRunID,
		Checksum:       hex.EncodeToString(h.Sum(nil)),
		NeedsHumanEdit: !report.Pass,
		Issues:         issues,
		IR:             doc,
		Plan:           planOut.Result,
	}
	stored, err := d.storeArtifact(ctx, a)
	if err != nil {
		return nil, err
	}
	d.logger.InfoContext(ctx, "artifact_stored",
		slog.String("run_id", sc.Run.ID),
		slog.String("artifact_id", stored.ID),
		slog.Int("version", stored.Version),
		slog.Bool("needs_human_edit", stored.NeedsHumanEdit),
	)
	return &api.StepResult{
		Output: FinalizeResult{ArtifactID: stored.ID, Version: stored.Version, Checksum: stored.Checksum},
		Vars: map[string]any{
			VarArtifactID:     stored.ID,
			VarNeedsHumanEdit: stored.NeedsHumanEdit,
		},
	}, nil
}

func (d *deckHandlers) storeArtifact(ctx context.Context, a *api.ArtifactVersion) (*api.ArtifactVersion, error) {
	if existing, err := d.artifacts.GetArtifact(ctx, a.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, persistence.ErrArtifactNotFound) {
		return nil, api.TransientError(err, "read artifact %s", a.ID)
	}
	err := d.artifacts.CreateArtifact(ctx, a)
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, persistence.ErrDuplicate):
		return d.artifacts.GetArtifact(ctx, a.ID)
	default:
		return nil, api.TransientError(err, "store artifact %s", a.ID)
	}
}
