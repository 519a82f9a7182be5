package taskqueue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryQueue_Contract(t *testing.T) {
	runQueueContract(t, func(*testing.T) Queue { return NewInMemoryQueue() })
}

func TestInMemoryQueue_AssignsJobID(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{RunID: "run-1", StepKey: "draft_ir"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	j, err := q.Dequeue(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(j.ID) != 26 {
		t.Fatalf("expected a ULID job id, got %q", j.ID)
	}
	if j.EnqueuedAt.IsZero() {
		t.Fatalf("expected EnqueuedAt to be set")
	}
}
