package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use. Visible jobs are delivered in (visible at, enqueue order)
// order.
type InMemoryQueue struct {
	mu    sync.Mutex
	items map[string]*memItem
	seq   uint64
	// wake is closed and replaced whenever a job may have become available.
	wake chan struct{}
	now  func() time.Time
}

type memItem struct {
	job       Job
	seq       uint64
	visibleAt time.Time
	owner     string
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		items: make(map[string]*memItem),
		wake:  make(chan struct{}),
		now:   time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	visible := prepare(&job, q.now())
	if _, ok := q.items[job.ID]; ok {
		return nil
	}
	q.seq++
	q.items[job.ID] = &memItem{job: job, seq: q.seq, visibleAt: visible}
	q.signal()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	lease = leaseOrDefault(lease)
	for {
		q.mu.Lock()
		now := q.now()
		var (
			best *memItem
			next time.Time
		)
		for _, it := range q.items {
			if it.visibleAt.After(now) {
				if next.IsZero() || it.visibleAt.Before(next) {
					next = it.visibleAt
				}
				continue
			}
			if best == nil || it.visibleAt.Before(best.visibleAt) ||
				(it.visibleAt.Equal(best.visibleAt) && it.seq < best.seq) {
				best = it
			}
		}
		if best != nil {
			best.owner = owner
			best.visibleAt = now.Add(lease)
			job := best.job
			q.mu.Unlock()
			return &job, nil
		}
		wake := q.wake
		q.mu.Unlock()

		if err := waitFor(ctx, wake, next, now); err != nil {
			return nil, err
		}
	}
}

// waitFor blocks until wake fires, next is reached (when set) or ctx ends.
func waitFor(ctx context.Context, wake <-chan struct{}, next, now time.Time) error {
	var tc <-chan time.Time
	if !next.IsZero() {
		t := time.NewTimer(next.Sub(now))
		defer t.Stop()
		tc = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-tc:
	}
	return nil
}

func (q *InMemoryQueue) Ack(_ context.Context, jobID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[jobID]
	if !ok || it.owner != owner {
		return ErrLeaseLost
	}
	delete(q.items, jobID)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
