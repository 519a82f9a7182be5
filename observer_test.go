package deckflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/deckflow/pkg/api"
)

func TestBasicMetrics_CountsRunsAndSteps(t *testing.T) {
	metrics := &BasicMetrics{}
	r, err := NewLocalRunnerWithObserver(metrics)
	require.NoError(t, err)
	require.NoError(t, r.StartWorkers(context.Background(), 1))
	t.Cleanup(r.Stop)

	attempts := 0
	New("flaky").
		Tool("fetch", func(context.Context, *StepContext) (*StepResult, error) {
			attempts++
			if attempts == 1 {
				return nil, api.TransientError(errors.New("reset"), "fetch")
			}
			return &StepResult{}, nil
		}, WithRetry(Retry(2).Immediate().Policy())).
		Tool("broken", func(context.Context, *StepContext) (*StepResult, error) {
			return nil, errors.New("boom")
		}, After("fetch")).
		MustRegister(r.Engine)

	run := runFlow(t, r, "flaky", RunInput{Prompt: "x"})
	require.Equal(t, RunFailed, run.Status)

	snap := metrics.Snapshot()
	require.Equal(t, int64(1), snap.RunsStarted)
	require.Equal(t, int64(1), snap.RunsFailed)
	require.Equal(t, int64(0), snap.RunsCompleted)
	require.Equal(t, int64(1), snap.StepRetries)
	require.Equal(t, int64(1), snap.StepsCompleted)
	require.Equal(t, int64(2), snap.StepsFailed)
}

func TestNewInMemoryEngineWithObserver(t *testing.T) {
	eng, err := NewInMemoryEngineWithObserver(NewCompositeObserver(NoopObserver{}, &BasicMetrics{}))
	require.NoError(t, err)

	run, created, err := CreateRun(context.Background(), eng, CreateRunRequest{ProjectID: "p1", Input: RunInput{Prompt: launchPrompt}})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, DeckWorkflow, run.Workflow)
}
