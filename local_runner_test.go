package deckflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/deckflow/pkg/api"
)

type LocalRunnerSuite struct {
	suite.Suite
	runner *LocalRunner
	ctx    context.Context
	cancel context.CancelFunc
}

func TestLocalRunnerSuite(t *testing.T) {
	suite.Run(t, new(LocalRunnerSuite))
}

func (s *LocalRunnerSuite) SetupTest() {
	s.runner = NewLocalRunner()
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 15*time.Second)
	s.Require().NoError(s.runner.StartWorkers(s.ctx, 2))
}

func (s *LocalRunnerSuite) TearDownTest() {
	s.runner.Stop()
	s.cancel()
}

func (s *LocalRunnerSuite) TestStartTwiceFails() {
	s.Require().Error(s.runner.StartWorkers(s.ctx, 1))
}

func (s *LocalRunnerSuite) TestDeckFromPrompt() {
	run, err := s.runner.RunAndWait(s.ctx, CreateRunRequest{
		ProjectID: "p1",
		Input:     RunInput{Prompt: launchPrompt, SlideCount: 4},
	})
	s.Require().NoError(err)
	s.Require().Equal(RunCompleted, run.Status)
	s.Require().Equal(100, run.Progress)

	art, err := s.runner.Engine.GetArtifact(s.ctx, run.ArtifactID)
	s.Require().NoError(err)
	s.Require().Equal(run.ID, art.RunID)
	s.Require().NotEmpty(art.Checksum)
}

func (s *LocalRunnerSuite) TestDeckFromDocument() {
	run, err := s.runner.RunAndWait(s.ctx, CreateRunRequest{
		ProjectID: "p1",
		Input:     RunInput{IR: []byte(sampleDeck)},
	})
	s.Require().NoError(err)
	s.Require().Equal(RunCompleted, run.Status)

	steps, err := s.runner.Engine.ListSteps(s.ctx, run.ID)
	s.Require().NoError(err)
	byKey := make(map[string]*RunStep, len(steps))
	for _, st := range steps {
		byKey[st.StepKey] = st
	}
	s.Require().Equal(api.StepSkipped, byKey["draft_ir"].Status)
	s.Require().Equal(api.StepSucceeded, byKey["finalize"].Status)
}

func (s *LocalRunnerSuite) TestApprovalAndCancel() {
	run, _, err := CreateRun(s.ctx, s.runner.Engine, CreateRunRequest{
		ProjectID: "p1",
		Input:     RunInput{Prompt: launchPrompt},
		Policy:    &PolicyOverrides{RequireApproval: boolPtr(true)},
	})
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		got, err := GetRun(s.ctx, s.runner.Engine, run.ID)
		return err == nil && got.Status == RunWaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	_, err = Cancel(s.ctx, s.runner.Engine, run.ID)
	s.Require().NoError(err)
	run, err = WaitForRun(s.ctx, s.runner.Engine, run.ID)
	s.Require().NoError(err)
	s.Require().Equal(RunCancelled, run.Status)
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	r := NewLocalRunner()
	r.Stop()
	require.NoError(t, r.StartWorkers(context.Background(), 0))
	r.Stop()
	r.Stop()
}

func TestWaitForRun_ReturnsOnContextDone(t *testing.T) {
	r := NewLocalRunner() // no workers: the run never progresses
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run, _, err := CreateRun(ctx, r.Engine, CreateRunRequest{ProjectID: "p1", Input: RunInput{Prompt: "x"}})
	require.NoError(t, err)
	_, err = WaitForRun(ctx, r.Engine, run.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
