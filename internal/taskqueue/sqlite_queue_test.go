package taskqueue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/deckflow/pkg/api"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func TestSQLiteQueue_Contract(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue { return newTestSQLiteQueue(t) })
}

func TestSQLiteQueue_PreservesEnvelope(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	in := Job{
		ID:      "job-1",
		Type:    api.JobExecuteStep,
		RunID:   "run-1",
		StepID:  "step-1",
		StepKey: "render_plan@1",
		Attempt: 2,
		Policy:  api.PolicySnapshot{MaxFixLoops: 3},
		Inputs:  []byte(`{"iteration":1}`),
		Dedupe:  api.Dedupe{InputHash: "abc"},
	}
	if err := q.Enqueue(ctx, in); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	out, err := q.Dequeue(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if out.StepKey != "render_plan@1" || out.Attempt != 2 || out.Dedupe.InputHash != "abc" || out.Policy.MaxFixLoops != 3 {
		t.Fatalf("envelope not preserved: %+v", out)
	}
	if string(out.Inputs) != `{"iteration":1}` {
		t.Fatalf("unexpected inputs %s", out.Inputs)
	}
}

func TestSQLiteQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, Job{ID: "persisted", RunID: "run-1", StepKey: "finalize"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_ = db.Close()

	db2, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	q2, err := NewSQLiteQueue(db2)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}

	j, err := q2.Dequeue(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if j.ID != "persisted" {
		t.Fatalf("unexpected job %q", j.ID)
	}
}
