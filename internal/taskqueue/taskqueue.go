// Package taskqueue delivers job envelopes to workers. Delivery is
// at-least-once: a dequeued job is leased to one owner and becomes visible
// again if it is not acknowledged before the lease expires.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/petrijr/deckflow/pkg/api"
)

// Job is the envelope a worker consumes.
type Job = api.Job

var (
	// ErrLeaseLost is returned by Ack when the job is gone or is leased to
	// someone else, typically because the lease expired and it was
	// redelivered.
	ErrLeaseLost = errors.New("taskqueue: lease lost")
)

// DefaultLease is the visibility timeout workers use unless configured.
const DefaultLease = 5 * time.Minute

// Queue is an async job queue with leases.
type Queue interface {
	// Enqueue adds a job. A job whose ID is already queued is ignored, so
	// re-enqueueing after a crash is harmless. Jobs with a NotBefore in the
	// future stay invisible until then.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue leases the next visible job to owner for lease, blocking
	// until one is available or the context is cancelled.
	Dequeue(ctx context.Context, owner string, lease time.Duration) (*Job, error)

	// Ack removes a job leased to owner.
	Ack(ctx context.Context, jobID, owner string) error

	// Len returns the approximate number of unacknowledged jobs.
	Len() int
}

// prepare fills the ID and timestamps of a job about to be enqueued and
// returns the time it becomes visible.
func prepare(job *Job, now time.Time) time.Time {
	if job.ID == "" {
		job.ID = ulid.Make().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.NotBefore.IsZero() || job.NotBefore.Before(now) {
		return now
	}
	return job.NotBefore
}

func leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLease
	}
	return d
}
