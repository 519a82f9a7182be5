package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/internal/agent"
	"github.com/petrijr/deckflow/pkg/api"
	"github.com/petrijr/deckflow/pkg/ir"
)

const launchPrompt = "Launch plan for the new app. We ship in May. Marketing starts in April. Support is staffed for the first month."

func TestDeckRun_FromPromptCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, created, err := h.e.CreateRun(ctx, api.CreateRunRequest{
		ProjectID: "p1",
		OrgID:     "o1",
		CreatorID: "u1",
		Input:     api.RunInput{Prompt: launchPrompt, SlideCount: 4},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, api.RunPlanning, run.Status)
	require.Equal(t, 1, h.queue.Len())

	h.drain()

	run = h.run(run.ID)
	require.Equal(t, api.RunCompleted, run.Status)
	require.Equal(t, 100, run.Progress)
	require.NotEmpty(t, run.ArtifactID)

	steps := h.steps(run.ID)
	require.Equal(t, api.StepSucceeded, steps["draft_ir"].Status)
	require.Equal(t, api.StepSkipped, steps["approve_outline"].Status)
	require.Equal(t, api.StepSkipped, steps["regenerate_slides"].Status)
	require.Equal(t, api.StepSucceeded, steps["validate_ir"].Status)
	require.Equal(t, api.StepSucceeded, steps["render_plan"].Status)
	require.Equal(t, api.StepSucceeded, steps["quality_check"].Status)
	require.Equal(t, api.StepSucceeded, steps["finalize"].Status)

	art, err := h.e.GetArtifact(ctx, run.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, run.ID, art.RunID)
	require.Equal(t, "p1", art.ProjectID)
	require.Equal(t, 1, art.Version)
	require.Equal(t, run.NeedsHumanEdit, art.NeedsHumanEdit)
	require.Len(t, art.Checksum, 64)

	spec, err := ir.Decode(art.IR)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(spec.Slides), 4)

	require.Equal(t, 1, h.obs.started)
	require.Equal(t, 1, h.obs.finished)
}

func TestDeckRun_EventsAreContiguousAndEndWithCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{IR: sampleIR(t)}})
	require.NoError(t, err)
	h.drain()

	evs := h.events(run.ID)
	require.NotEmpty(t, evs)
	for i, ev := range evs {
		require.Equal(t, int64(i), ev.Seq, "event %d", i)
		require.True(t, ev.Type.Valid())
	}

	var slideProgress []api.ProgressPayload
	for _, ev := range evs {
		if ev.Type != api.EventProgress {
			continue
		}
		var p api.ProgressPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.TotalSlides > 0 {
			slideProgress = append(slideProgress, p)
		}
	}
	require.GreaterOrEqual(t, len(slideProgress), 2)
	require.Equal(t, 1, slideProgress[0].CurrentSlide)
	require.Equal(t, 2, slideProgress[1].CurrentSlide)
	require.Equal(t, 2, slideProgress[1].TotalSlides)

	last := evs[len(evs)-1]
	require.Equal(t, api.EventProgress, last.Type)
	var p api.ProgressPayload
	require.NoError(t, json.Unmarshal(last.Payload, &p))
	require.Equal(t, api.RunCompleted, p.Status)
	require.Equal(t, 100, p.Progress)

	// A subscriber that connects late replays the same history.
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ch, err := h.e.Subscribe(sctx, run.ID, 2)
	require.NoError(t, err)
	want := int64(3)
	for want < int64(len(evs)) {
		select {
		case ev := <-ch:
			require.Equal(t, want, ev.Seq)
			want++
		case <-sctx.Done():
			t.Fatalf("replay stopped at seq %d", want)
		}
	}
}

func TestDeckRun_ApprovalGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{
		ProjectID: "p1",
		Input:     api.RunInput{IR: sampleIR(t)},
		Policy:    &api.PolicyOverrides{RequireApproval: boolPtr(true)},
	})
	require.NoError(t, err)
	require.Equal(t, api.RunWaitingApproval, run.Status)
	require.Equal(t, 0, h.queue.Len())

	steps := h.steps(run.ID)
	require.Equal(t, api.StepSkipped, steps["draft_ir"].Status)
	require.Equal(t, api.StepWaitingApproval, steps["approve_outline"].Status)

	run, err = h.e.Approve(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunExecuting, run.Status)
	require.Equal(t, api.RunExecuting, h.run(run.ID).Status)
	require.Equal(t, 1, h.queue.Len())
	steps = h.steps(run.ID)
	require.Equal(t, api.StepSkipped, steps["regenerate_slides"].Status)
	require.Equal(t, api.StepQueued, steps["validate_ir"].Status)

	_, err = h.e.Approve(ctx, run.ID)
	require.Equal(t, api.CodeRunNotApprovable, api.CodeOf(err))

	h.drain()
	run = h.run(run.ID)
	require.Equal(t, api.RunCompleted, run.Status)
	require.Equal(t, true, run.State["approval.approve_outline"])
	require.Equal(t, api.StepSucceeded, h.steps(run.ID)["approve_outline"].Status)
}

func TestDeckRun_ApproveWithoutGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{Prompt: launchPrompt}})
	require.NoError(t, err)

	_, err = h.e.Approve(ctx, run.ID)
	require.Equal(t, api.CodeRunNotApprovable, api.CodeOf(err))

	_, err = h.e.Approve(ctx, "missing")
	require.Equal(t, api.CodeRunNotFound, api.CodeOf(err))
}

func TestDeckRun_CancelWhileWaitingForApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{
		ProjectID: "p1",
		Input:     api.RunInput{IR: sampleIR(t)},
		Policy:    &api.PolicyOverrides{RequireApproval: boolPtr(true)},
	})
	require.NoError(t, err)

	run, err = h.e.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunCancelled, run.Status)
	require.Equal(t, api.CodeCancelled, run.ErrorCode)
	require.Equal(t, api.StepCancelled, h.steps(run.ID)["approve_outline"].Status)

	_, err = h.e.Cancel(ctx, run.ID)
	require.Equal(t, api.CodeRunTerminal, api.CodeOf(err))

	_, err = h.e.Approve(ctx, run.ID)
	require.Equal(t, api.CodeRunNotApprovable, api.CodeOf(err))
}

func TestDeckRun_CancelDropsQueuedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{Prompt: launchPrompt}})
	require.NoError(t, err)

	run, err = h.e.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunCancelled, run.Status)

	h.drain()
	steps := h.steps(run.ID)
	require.Len(t, steps, 1)
	require.Equal(t, api.StepCancelled, steps["draft_ir"].Status)
	require.Equal(t, api.RunCancelled, h.run(run.ID).Status)
}

func TestDeckRun_IdempotentCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := api.CreateRunRequest{
		ProjectID:      "p1",
		OrgID:          "o1",
		CreatorID:      "u1",
		IdempotencyKey: "key-1",
		Input:          api.RunInput{Prompt: launchPrompt},
	}

	first, created, err := h.e.CreateRun(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := h.e.CreateRun(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 1, h.queue.Len())

	changed := req
	changed.Input.Prompt = "Something else entirely."
	_, _, err = h.e.CreateRun(ctx, changed)
	require.Equal(t, api.CodeIdempotencyKeyReused, api.CodeOf(err))

	other := req
	other.CreatorID = "u2"
	third, created, err := h.e.CreateRun(ctx, other)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, third.ID)
}

func TestDeckRun_InvalidIRIsRepaired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var spec ir.SlideSpec
	require.NoError(t, json.Unmarshal(sampleIR(t), &spec))
	spec.SchemaVersion = "slidespec_v0"
	spec.Slides[1].SlideID = "s1"
	broken, err := json.Marshal(spec)
	require.NoError(t, err)

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{IR: broken}})
	require.NoError(t, err)
	h.drain()

	run = h.run(run.ID)
	require.Equal(t, api.RunCompleted, run.Status, run.ErrorMessage)

	steps := h.steps(run.ID)
	require.Equal(t, api.StepSucceeded, steps["repair_ir@1"].Status)
	require.Equal(t, api.StepSucceeded, steps["validate_ir"].Status)
	require.Equal(t, 2, steps["validate_ir"].Attempt)

	art, err := h.e.GetArtifact(ctx, run.ArtifactID)
	require.NoError(t, err)
	_, err = ir.Decode(art.IR)
	require.NoError(t, err)
}

// echoRepairer hands the document back unchanged.
type echoRepairer struct{}

func (echoRepairer) Repair(_ context.Context, doc json.RawMessage, _ []string) (json.RawMessage, error) {
	return doc, nil
}

func TestDeckRun_IneffectiveRepairFailsRun(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Deck.Agents = agent.Set{Repairer: echoRepairer{}}
	})
	ctx := context.Background()

	var spec ir.SlideSpec
	require.NoError(t, json.Unmarshal(sampleIR(t), &spec))
	spec.SchemaVersion = "slidespec_v0"
	broken, err := json.Marshal(spec)
	require.NoError(t, err)

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{IR: broken}})
	require.NoError(t, err)
	h.drain()

	run = h.run(run.ID)
	require.Equal(t, api.RunFailed, run.Status)
	require.Equal(t, api.CodeRepairIneffective, run.ErrorCode)
	require.Empty(t, run.ArtifactID)
}

// remoteDrafter stands in for an agent behind a network API.
type remoteDrafter struct {
	doc   json.RawMessage
	calls int
}

func (d *remoteDrafter) External() bool { return true }

func (d *remoteDrafter) Draft(context.Context, agent.DraftRequest) (json.RawMessage, error) {
	d.calls++
	return d.doc, nil
}

func TestDeckRun_PolicyDeniesExternalAgent(t *testing.T) {
	drafter := &remoteDrafter{doc: sampleIR(t)}
	h := newHarness(t, func(cfg *Config) {
		cfg.Deck.Agents = agent.Set{Drafter: drafter}
	})
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{Prompt: launchPrompt}})
	require.NoError(t, err)
	h.drain()

	run = h.run(run.ID)
	require.Equal(t, api.RunFailed, run.Status)
	require.Equal(t, api.CodePolicyDenied, run.ErrorCode)
	require.Equal(t, 0, drafter.calls)

	draft := h.steps(run.ID)["draft_ir"]
	require.Equal(t, api.StepFailed, draft.Status)
	require.Equal(t, 1, draft.Attempt)
	require.Equal(t, 0, h.obs.retries)

	allowed, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{
		ProjectID: "p1",
		Input:     api.RunInput{Prompt: launchPrompt},
		Policy:    &api.PolicyOverrides{AllowExternalNetwork: boolPtr(true)},
	})
	require.NoError(t, err)
	h.drain()
	require.Equal(t, api.RunCompleted, h.run(allowed.ID).Status)
	require.Equal(t, 1, drafter.calls)
}

func TestDeckRun_NoFixBudgetFlagsHumanEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{
		ProjectID: "p1",
		Input:     api.RunInput{IR: overflowingIR(t)},
		Policy:    &api.PolicyOverrides{MaxFixLoops: intPtr(0)},
	})
	require.NoError(t, err)
	h.drain()

	run = h.run(run.ID)
	require.Equal(t, api.RunCompleted, run.Status)
	require.True(t, run.NeedsHumanEdit)
	require.Equal(t, false, run.State[VarQCPass])

	steps := h.steps(run.ID)
	require.Equal(t, api.StepSkipped, steps["fix_layout"].Status)
	require.Nil(t, steps["render_plan@1"])

	art, err := h.e.GetArtifact(ctx, run.ArtifactID)
	require.NoError(t, err)
	require.True(t, art.NeedsHumanEdit)
	require.NotEqual(t, "[]", string(art.Issues))
}

func TestDeckRun_FixLoopIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{
		ProjectID: "p1",
		Input:     api.RunInput{IR: overflowingIR(t)},
		Policy:    &api.PolicyOverrides{MaxFixLoops: intPtr(2)},
	})
	require.NoError(t, err)
	h.drain()

	run = h.run(run.ID)
	require.Equal(t, api.RunCompleted, run.Status)

	steps := h.steps(run.ID)
	require.Equal(t, api.StepSucceeded, steps["fix_layout"].Status)
	require.NotNil(t, steps["render_plan@1"])
	require.NotNil(t, steps["quality_check@1"])
	require.Nil(t, steps["render_plan@3"])

	loops := stateInt(run.State, VarFixLoops)
	require.GreaterOrEqual(t, loops, 1)
	require.LessOrEqual(t, loops, 2)
}

func TestRegenerate_CreatesLinkedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent, _, err := h.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", CreatorID: "u1", Input: api.RunInput{IR: sampleIR(t)}})
	require.NoError(t, err)

	_, _, err = h.e.Regenerate(ctx, api.RegenerateRequest{ParentRunID: parent.ID, Scope: api.Scope{SlideIDs: []string{"s2"}}})
	require.Equal(t, api.CodeInvalidRequest, api.CodeOf(err), "parent has not finished yet")

	h.drain()
	parent = h.run(parent.ID)
	require.Equal(t, api.RunCompleted, parent.Status)

	_, _, err = h.e.Regenerate(ctx, api.RegenerateRequest{ParentRunID: parent.ID, Scope: api.Scope{SlideIDs: []string{"s9"}}})
	require.Equal(t, api.CodeInvalidRequest, api.CodeOf(err))
	_, _, err = h.e.Regenerate(ctx, api.RegenerateRequest{ParentRunID: parent.ID})
	require.Equal(t, api.CodeInvalidRequest, api.CodeOf(err))

	req := api.RegenerateRequest{
		ParentRunID:    parent.ID,
		IdempotencyKey: "regen-1",
		Scope:          api.Scope{SlideIDs: []string{"s2"}},
		Instructions:   "shorter",
	}
	child, created, err := h.e.Regenerate(ctx, req)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, parent.ID, child.ID)
	require.Equal(t, parent.ID, child.ParentRunID)
	require.Equal(t, "u1", child.CreatorID)
	require.Equal(t, []string{"s2"}, child.Scope.SlideIDs)

	replayed, created, err := h.e.Regenerate(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, child.ID, replayed.ID)

	h.drain()
	child = h.run(child.ID)
	require.Equal(t, api.RunCompleted, child.Status, child.ErrorMessage)
	require.NotEqual(t, parent.ArtifactID, child.ArtifactID)

	steps := h.steps(child.ID)
	require.Equal(t, api.StepSkipped, steps["draft_ir"].Status)
	require.Equal(t, api.StepSucceeded, steps["regenerate_slides"].Status)
	for _, s := range steps {
		require.Equal(t, child.ID, s.RunID)
	}

	arts, err := h.e.ListArtifacts(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	versions := map[int]*api.ArtifactVersion{}
	for _, a := range arts {
		versions[a.Version] = a
	}
	require.Equal(t, child.ArtifactID, versions[2].ID)
	require.Equal(t, parent.ID, versions[2].ParentRunID)

	spec, err := ir.Decode(versions[2].IR)
	require.NoError(t, err)
	require.NotNil(t, spec.Slide("s1"))
	require.NotNil(t, spec.Slide("s2"))
}

func TestRecover_ResumesQueuedWork(t *testing.T) {
	first := newHarness(t)
	ctx := context.Background()

	run, _, err := first.e.CreateRun(ctx, api.CreateRunRequest{ProjectID: "p1", Input: api.RunInput{Prompt: launchPrompt}})
	require.NoError(t, err)

	// A new process over the same store starts with an empty queue.
	second := newHarnessOn(t, first.store)
	n, err := second.e.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = second.e.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, second.queue.Len(), "re-enqueueing the same attempt is deduplicated")

	second.drain()
	require.Equal(t, api.RunCompleted, second.run(run.ID).Status)

	n, err = second.e.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestArtifactID_StableForRun(t *testing.T) {
	run := &api.Run{ID: "01HZY3", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.Equal(t, artifactID(run), artifactID(run))

	other := *run
	other.ID = "01HZY4"
	require.NotEqual(t, artifactID(run), artifactID(&other))
}
