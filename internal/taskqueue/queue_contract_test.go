package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/deckflow/pkg/api"
)

// runQueueContract exercises the behavior every backend shares.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newQueue(t)) })
	t.Run("NotBefore", func(t *testing.T) { testNotBefore(t, newQueue(t)) })
	t.Run("LeaseRedelivery", func(t *testing.T) { testLeaseRedelivery(t, newQueue(t)) })
	t.Run("DuplicateEnqueue", func(t *testing.T) { testDuplicateEnqueue(t, newQueue(t)) })
	t.Run("Cancellation", func(t *testing.T) { testCancellation(t, newQueue(t)) })
	t.Run("BlocksUntilJobArrives", func(t *testing.T) { testBlocksUntilJobArrives(t, newQueue(t)) })
}

func job(id, stepKey string) Job {
	return Job{ID: id, Type: api.JobExecuteStep, RunID: "run-1", StepKey: stepKey, Attempt: 1}
}

func testFIFO(t *testing.T, q Queue) {
	ctx := context.Background()
	for i, key := range []string{"draft_ir", "validate_ir", "render_plan"} {
		if err := q.Enqueue(ctx, job(string(rune('a'+i)), key)); err != nil {
			t.Fatalf("Enqueue %s failed: %v", key, err)
		}
		// Distinct enqueue instants keep the order unambiguous.
		time.Sleep(2 * time.Millisecond)
	}
	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	var got []string
	for i := 0; i < 3; i++ {
		j, err := q.Dequeue(ctx, "w1", time.Minute)
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		got = append(got, j.StepKey)
		if err := q.Ack(ctx, j.ID, "w1"); err != nil {
			t.Fatalf("Ack %d failed: %v", i, err)
		}
	}
	if got[0] != "draft_ir" || got[1] != "validate_ir" || got[2] != "render_plan" {
		t.Fatalf("unexpected dequeue order: %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after acks, got %d", q.Len())
	}
}

func testNotBefore(t *testing.T, q Queue) {
	ctx := context.Background()

	later := job("later", "fix_layout")
	later.NotBefore = time.Now().Add(150 * time.Millisecond)
	if err := q.Enqueue(ctx, later); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, job("now", "render_plan")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := q.Dequeue(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.ID != "now" {
		t.Fatalf("expected the immediate job first, got %q", first.ID)
	}

	start := time.Now()
	second, err := q.Dequeue(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if second.ID != "later" {
		t.Fatalf("expected delayed job, got %q", second.ID)
	}
	if waited := time.Since(start); waited < 80*time.Millisecond {
		t.Fatalf("delayed job delivered too early (after %v)", waited)
	}
}

func testLeaseRedelivery(t *testing.T, q Queue) {
	ctx := context.Background()
	if err := q.Enqueue(ctx, job("j1", "render_plan")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got1, err := q.Dequeue(ctx, "w1", 30*time.Millisecond)
	if err != nil || got1 == nil {
		t.Fatalf("Dequeue1: got=%v err=%v", got1, err)
	}

	time.Sleep(50 * time.Millisecond)

	got2, err := q.Dequeue(ctx, "w2", time.Minute)
	if err != nil || got2 == nil {
		t.Fatalf("Dequeue2: got=%v err=%v", got2, err)
	}
	if got1.ID != got2.ID {
		t.Fatalf("expected same job ID, got %q vs %q", got1.ID, got2.ID)
	}

	// The first owner lost its lease.
	if err := q.Ack(ctx, got1.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if err := q.Ack(ctx, got2.ID, "w2"); err != nil {
		t.Fatalf("Ack by current owner failed: %v", err)
	}
}

func testDuplicateEnqueue(t *testing.T, q Queue) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, job("same", "render_plan")); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if q.Len() != 1 {
		t.Fatalf("expected duplicate enqueues to collapse, Len=%d", q.Len())
	}
}

func testCancellation(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// No jobs enqueued, Dequeue should return ctx error.
	if _, err := q.Dequeue(ctx, "w1", time.Minute); err == nil {
		t.Fatalf("expected Dequeue to fail due to context cancellation")
	}
}

func testBlocksUntilJobArrives(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan *Job, 1)
	go func() {
		j, err := q.Dequeue(ctx, "w1", time.Minute)
		if err != nil {
			done <- nil
			return
		}
		done <- j
	}()

	time.Sleep(30 * time.Millisecond)
	if err := q.Enqueue(ctx, job("late", "finalize")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case j := <-done:
		if j == nil || j.ID != "late" {
			t.Fatalf("unexpected job: %+v", j)
		}
	case <-ctx.Done():
		t.Fatalf("Dequeue did not return after enqueue")
	}
}
