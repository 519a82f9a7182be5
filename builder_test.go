package deckflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/pkg/api"
)

func noop(context.Context, *StepContext) (*StepResult, error) {
	return &StepResult{}, nil
}

// startRunner returns a LocalRunner with two workers that stop with the test.
func startRunner(t *testing.T) *LocalRunner {
	t.Helper()
	r := NewLocalRunner()
	if err := r.StartWorkers(context.Background(), 2); err != nil {
		t.Fatalf("StartWorkers failed: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func runFlow(t *testing.T, r *LocalRunner, workflow string, in RunInput) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := r.RunAndWait(ctx, CreateRunRequest{ProjectID: "p1", Workflow: workflow, Input: in})
	if err != nil {
		t.Fatalf("RunAndWait failed: %v", err)
	}
	return run
}

// stepOutputs maps step keys to their stored outputs.
func stepOutputs(t *testing.T, eng Engine, runID string) map[string]*api.StepOutput {
	t.Helper()
	steps, err := eng.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]*api.StepOutput, len(steps))
	for _, s := range steps {
		var o api.StepOutput
		if len(s.OutputJSON) > 0 {
			require.NoError(t, json.Unmarshal(s.OutputJSON, &o))
		}
		out[s.StepKey] = &o
	}
	return out
}

func TestFlowBuilder_Definition(t *testing.T) {
	retry := Retry(2).Immediate().Policy()
	flow := New("brief").
		Version("2").
		Tool("outline", noop, UsesIteration()).
		Agent("draft", noop, After("outline"), When("!outline.empty"), WithRetry(retry), WithTimeout(time.Second)).
		Approval("review", After("draft")).
		System("publish", noop, After("review"), Handler("shared"))

	def := flow.Definition()
	require.Equal(t, "brief", flow.Name())
	require.Equal(t, "2", def.Version)
	require.Len(t, def.Steps, 4)

	draft, ok := def.Step("draft")
	require.True(t, ok)
	require.Equal(t, api.StepAgent, draft.Type)
	require.Equal(t, []string{"outline"}, draft.DependsOn)
	require.Equal(t, "!outline.empty", draft.When)
	require.Equal(t, time.Second, draft.Timeout)
	require.Equal(t, 2, draft.Retry.MaxAttempts)

	outline, _ := def.Step("outline")
	require.True(t, outline.UsesIteration)
	require.False(t, draft.UsesIteration)

	review, _ := def.Step("review")
	require.Equal(t, api.StepApproval, review.Type)

	publish, _ := def.Step("publish")
	require.Equal(t, "shared", publish.HandlerName())
	require.Equal(t, []string{"outline", "draft", "shared"}, flow.order)
}

func TestFlowBuilder_Panics(t *testing.T) {
	require.Panics(t, func() { New("w").Tool("", noop) })
	require.Panics(t, func() { New("w").Tool("a", nil) })
	require.Panics(t, func() { New("w").Tool("a", noop).System("b", noop, Handler("a")) })
}

func TestFlowBuilder_RegisterRejectsInvalid(t *testing.T) {
	eng := NewInMemoryEngine()
	err := New("broken").
		Tool("a", noop, After("b")).
		Tool("b", noop).
		Register(eng)
	require.Error(t, err)
	require.True(t, api.IsCode(err, api.CodeWorkflowInvalid))

	require.Panics(t, func() { New(DeckWorkflow).Tool("x", noop).MustRegister(eng) })
}

func TestFlowBuilder_LoopUntilPredicate(t *testing.T) {
	r := startRunner(t)
	New("loop").
		Tool("work", func(_ context.Context, sc *StepContext) (*StepResult, error) {
			return &StepResult{Vars: map[string]any{"done": sc.Input.Iteration >= 2}}, nil
		}, UsesIteration()).
		Tool("again", noop, After("work"), When("!done"), LoopTo("work")).
		System("finish", noop, After("again"), When("done")).
		MustRegister(r.Engine)

	run := runFlow(t, r, "loop", RunInput{Prompt: "x"})
	require.Equal(t, RunCompleted, run.Status)

	outputs := stepOutputs(t, r.Engine, run.ID)
	for _, key := range []string{"work", "work@1", "work@2", "again", "again@1", "again@2", "finish"} {
		require.Contains(t, outputs, key)
	}
	require.NotContains(t, outputs, "work@3")
}

func TestFlowBuilder_ApprovalGate(t *testing.T) {
	r := startRunner(t)
	New("gated").
		Tool("prepare", noop).
		Approval("review", After("prepare")).
		System("publish", noop, After("review")).
		MustRegister(r.Engine)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, _, err := CreateRun(ctx, r.Engine, CreateRunRequest{
		ProjectID: "p1",
		Workflow:  "gated",
		Input:     RunInput{Prompt: "x"},
		Policy:    &PolicyOverrides{RequireApproval: boolPtr(true)},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := GetRun(ctx, r.Engine, run.ID)
		return err == nil && got.Status == RunWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	_, err = Approve(ctx, r.Engine, run.ID)
	require.NoError(t, err)
	run, err = WaitForRun(ctx, r.Engine, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
}

func boolPtr(v bool) *bool { return &v }
