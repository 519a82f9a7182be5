package deckflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	workerpkg "github.com/petrijr/deckflow/pkg/worker"
)

const launchPrompt = "Launch plan for the new app. We ship in May. Marketing starts in April. Support is staffed for the first month."

// TestSQLiteBundle_DurableAcrossRestart creates a run whose jobs are queued
// but never processed, closes the database, and finishes the run from a
// fresh bundle over the same file.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "deckflow_bundle.db")

	// --- Phase 1: create the run, no processing yet.

	db1, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, workerpkg.Config{Concurrency: 1})
	require.NoError(t, err)

	run, created, err := CreateRun(ctx, bundle1.Engine, CreateRunRequest{
		ProjectID:      "p1",
		CreatorID:      "u1",
		IdempotencyKey: "launch-1",
		Input:          RunInput{Prompt: launchPrompt},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, db1.Close())

	// --- Phase 2: "restart" and drain the queue.

	db2, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	bundle2, err := NewSQLiteBundle(db2, workerpkg.Config{Concurrency: 1, Lease: time.Minute})
	require.NoError(t, err)

	replay, created, err := CreateRun(ctx, bundle2.Engine, CreateRunRequest{
		ProjectID:      "p1",
		CreatorID:      "u1",
		IdempotencyKey: "launch-1",
		Input:          RunInput{Prompt: launchPrompt},
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, run.ID, replay.ID)

	for {
		got, err := GetRun(ctx, bundle2.Engine, run.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			require.Equal(t, RunCompleted, got.Status)
			require.NotEmpty(t, got.ArtifactID)
			break
		}
		processed, err := bundle2.Worker.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed, "queue drained before the run finished")
	}

	artifacts, err := bundle2.Engine.ListArtifacts(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, 1, artifacts[0].Version)
}
