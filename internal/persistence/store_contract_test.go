package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/pkg/api"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newPersistence func(t *testing.T) Persistence) {
	t.Run("RunCAS", func(t *testing.T) { testRunCAS(t, newPersistence(t)) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, newPersistence(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newPersistence(t)) })
	t.Run("Steps", func(t *testing.T) { testSteps(t, newPersistence(t)) })
	t.Run("EventSequence", func(t *testing.T) { testEventSequence(t, newPersistence(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newPersistence(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, newPersistence(t)) })
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleRun(id string) *api.Run {
	return &api.Run{
		ID:        id,
		ProjectID: "proj-1",
		OrgID:     "org-1",
		CreatorID: "user-1",
		Workflow:  "deck_v1",
		Status:    api.RunCreated,
		Policy:    api.PolicySnapshot{MaxFixLoops: 3, MaxRepairs: 2},
		Input:     json.RawMessage(`{"prompt":"quarterly review"}`),
		State:     map[string]any{"input.has_ir": false},
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
}

func testRunCAS(t *testing.T, p Persistence) {
	ctx := context.Background()
	run := sampleRun("run-cas")
	require.NoError(t, p.Runs.CreateRun(ctx, run))

	got, err := p.Runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.RunCreated, got.Status)
	require.Equal(t, "quarterly review", mustPrompt(t, got.Input))
	require.Equal(t, 3, got.Policy.MaxFixLoops)
	require.True(t, got.CreatedAt.Equal(testEpoch))

	got.Status = api.RunPlanning
	got.State["fix.loops"] = float64(1)
	require.NoError(t, p.Runs.UpdateRun(ctx, got, api.RunCreated))
	require.Equal(t, int64(1), got.Version)

	// A writer holding the old version loses.
	stale := run.Clone()
	stale.Status = api.RunCancelled
	require.ErrorIs(t, p.Runs.UpdateRun(ctx, stale, api.RunCreated), ErrConflict)

	// Right version, wrong expected status.
	again, err := p.Runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, float64(1), again.State["fix.loops"])
	again.Status = api.RunFailed
	require.ErrorIs(t, p.Runs.UpdateRun(ctx, again, api.RunCreated), ErrConflict)

	_, err = p.Runs.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.ErrorIs(t, p.Runs.UpdateRun(ctx, sampleRun("missing"), api.RunCreated), ErrRunNotFound)
}

func mustPrompt(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var in api.RunInput
	require.NoError(t, json.Unmarshal(raw, &in))
	return in.Prompt
}

func testIdempotencyKey(t *testing.T, p Persistence) {
	ctx := context.Background()

	a := sampleRun("run-a")
	a.IdempotencyKey = "key-1"
	require.NoError(t, p.Runs.CreateRun(ctx, a))

	b := sampleRun("run-b")
	b.IdempotencyKey = "key-1"
	require.ErrorIs(t, p.Runs.CreateRun(ctx, b), ErrDuplicate)

	// Same key from another creator is a different scope.
	c := sampleRun("run-c")
	c.CreatorID = "user-2"
	c.IdempotencyKey = "key-1"
	require.NoError(t, p.Runs.CreateRun(ctx, c))

	// Runs without a key never collide.
	require.NoError(t, p.Runs.CreateRun(ctx, sampleRun("run-d")))
	require.NoError(t, p.Runs.CreateRun(ctx, sampleRun("run-e")))

	found, err := p.Runs.FindRunByIdempotencyKey(ctx, "org-1", "user-1", "key-1")
	require.NoError(t, err)
	require.Equal(t, "run-a", found.ID)

	_, err = p.Runs.FindRunByIdempotencyKey(ctx, "org-1", "user-1", "nope")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func testListRuns(t *testing.T, p Persistence) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		run := sampleRun(fmt.Sprintf("run-%d", i))
		run.CreatedAt = testEpoch.Add(time.Duration(i) * time.Minute)
		if i%2 == 1 {
			run.ProjectID = "proj-2"
		}
		require.NoError(t, p.Runs.CreateRun(ctx, run))
	}

	all, err := p.Runs.ListRuns(ctx, api.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "run-3", all[0].ID)

	proj, err := p.Runs.ListRuns(ctx, api.RunFilter{ProjectID: "proj-2"})
	require.NoError(t, err)
	require.Len(t, proj, 2)
	require.Equal(t, "run-3", proj[0].ID)
	require.Equal(t, "run-1", proj[1].ID)

	limited, err := p.Runs.ListRuns(ctx, api.RunFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := p.Runs.ListRuns(ctx, api.RunFilter{Status: api.RunCompleted})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testSteps(t *testing.T, p Persistence) {
	ctx := context.Background()
	require.NoError(t, p.Runs.CreateRun(ctx, sampleRun("run-steps")))

	keys := []string{"validate_ir", "render_plan", "quality_check"}
	for i, k := range keys {
		require.NoError(t, p.Steps.CreateStep(ctx, &api.RunStep{
			ID:        fmt.Sprintf("step-%d", i),
			RunID:     "run-steps",
			StepKey:   k,
			BaseKey:   k,
			Type:      api.StepSystem,
			Handler:   k,
			Status:    api.StepQueued,
			Attempt:   1,
			InputHash: "h" + k,
			CreatedAt: testEpoch,
		}))
	}

	err := p.Steps.CreateStep(ctx, &api.RunStep{ID: "dup", RunID: "run-steps", StepKey: "render_plan", Status: api.StepQueued})
	require.ErrorIs(t, err, ErrDuplicate)

	steps, err := p.Steps.ListSteps(ctx, "run-steps")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		require.Equal(t, keys[i], st.StepKey)
	}

	st, err := p.Steps.GetStep(ctx, "run-steps", "render_plan")
	require.NoError(t, err)
	started := testEpoch.Add(time.Second)
	st.Status = api.StepRunning
	st.StartedAt = &started
	require.NoError(t, p.Steps.UpdateStep(ctx, st))

	finished := started.Add(time.Second)
	st.Status = api.StepSucceeded
	st.FinishedAt = &finished
	st.OutputJSON = json.RawMessage(`{"result":{"slides":1}}`)
	st.Metrics = api.StepMetrics{LatencyMs: 1000}
	require.NoError(t, p.Steps.UpdateStep(ctx, st))

	got, err := p.Steps.GetStep(ctx, "run-steps", "render_plan")
	require.NoError(t, err)
	require.Equal(t, api.StepSucceeded, got.Status)
	require.JSONEq(t, `{"result":{"slides":1}}`, string(got.OutputJSON))
	require.Equal(t, int64(1000), got.Metrics.LatencyMs)
	require.NotNil(t, got.StartedAt)
	require.True(t, got.StartedAt.Equal(started))

	// Succeeded steps are immutable.
	got.Status = api.StepFailed
	require.ErrorIs(t, p.Steps.UpdateStep(ctx, got), ErrStepFinal)

	_, err = p.Steps.GetStep(ctx, "run-steps", "finalize")
	require.ErrorIs(t, err, ErrStepNotFound)
	require.ErrorIs(t, p.Steps.UpdateStep(ctx, &api.RunStep{RunID: "run-steps", StepKey: "finalize"}), ErrStepNotFound)
}

func testEventSequence(t *testing.T, p Persistence) {
	ctx := context.Background()
	require.NoError(t, p.Runs.CreateRun(ctx, sampleRun("run-ev")))

	for i := 0; i < 5; i++ {
		ev, err := p.Events.AppendEvent(ctx, "run-ev", api.EventLog, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), testEpoch)
		require.NoError(t, err)
		require.Equal(t, int64(i), ev.Seq)
	}

	all, err := p.Events.ListEvents(ctx, "run-ev", -1, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.JSONEq(t, `{"n":0}`, string(all[0].Payload))

	tail, err := p.Events.ListEvents(ctx, "run-ev", 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, int64(3), tail[0].Seq)

	page, err := p.Events.ListEvents(ctx, "run-ev", -1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(1), page[1].Seq)

	_, err = p.Events.AppendEvent(ctx, "missing", api.EventLog, nil, testEpoch)
	require.ErrorIs(t, err, ErrRunNotFound)
}

func testConcurrentAppend(t *testing.T, p Persistence) {
	ctx := context.Background()
	require.NoError(t, p.Runs.CreateRun(ctx, sampleRun("run-conc")))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Events.AppendEvent(ctx, "run-conc", api.EventProgress, json.RawMessage(`{}`), testEpoch)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := p.Events.ListEvents(ctx, "run-conc", -1, 0)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("expected gap-free sequence, got seq %d at position %d", ev.Seq, i)
		}
	}
}

func testArtifacts(t *testing.T, p Persistence) {
	ctx := context.Background()
	first := &api.ArtifactVersion{ID: "art-1", ProjectID: "proj-1", RunID: "run-1", Checksum: "c1", IR: json.RawMessage(`{"slides":[]}`), CreatedAt: testEpoch}
	second := &api.ArtifactVersion{ID: "art-2", ProjectID: "proj-1", RunID: "run-2", ParentRunID: "run-1", Checksum: "c2", IR: json.RawMessage(`{"slides":[]}`), NeedsHumanEdit: true, CreatedAt: testEpoch}
	other := &api.ArtifactVersion{ID: "art-3", ProjectID: "proj-2", RunID: "run-3", Checksum: "c3", IR: json.RawMessage(`{}`), CreatedAt: testEpoch}

	require.NoError(t, p.Artifacts.CreateArtifact(ctx, first))
	require.NoError(t, p.Artifacts.CreateArtifact(ctx, second))
	require.NoError(t, p.Artifacts.CreateArtifact(ctx, other))
	require.Equal(t, 1, first.Version)
	require.Equal(t, 2, second.Version)
	require.Equal(t, 1, other.Version)

	overwrite := &api.ArtifactVersion{ID: "art-1", ProjectID: "proj-1", RunID: "run-9", Checksum: "bad", IR: json.RawMessage(`{}`)}
	require.ErrorIs(t, p.Artifacts.CreateArtifact(ctx, overwrite), ErrDuplicate)

	got, err := p.Artifacts.GetArtifact(ctx, "art-1")
	require.NoError(t, err)
	require.Equal(t, "c1", got.Checksum)
	require.Equal(t, "run-1", got.RunID)

	list, err := p.Artifacts.ListArtifacts(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "art-2", list[0].ID)
	require.Equal(t, "run-1", list[0].ParentRunID)
	require.True(t, list[0].NeedsHumanEdit)

	_, err = p.Artifacts.GetArtifact(ctx, "missing")
	if !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}
