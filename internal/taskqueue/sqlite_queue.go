package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent Queue backed by SQLite. Jobs survive a
// restart; leases are rows whose visible_at lies in the future.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the jobs table in the given DB and returns a
// new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			visible_at INTEGER NOT NULL,
			owner TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) error {
	visible := prepare(&job, time.Now())
	payload, err := EncodeJob(job)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, run_id, payload, visible_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`,
		job.ID,
		job.RunID,
		payload,
		visible.UnixNano(),
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	lease = leaseOrDefault(lease)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		job, err := q.claim(ctx, owner, lease)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		// Nothing available: sleep a bit and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// claim leases the next visible job, or returns nil when there is none.
func (q *SQLiteQueue) claim(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload
		FROM jobs
		WHERE visible_at <= ?
		ORDER BY visible_at, seq
		LIMIT 1`, now.UnixNano()).Scan(&seq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET owner = ?, visible_at = ? WHERE seq = ?`,
		owner, now.Add(lease).UnixNano(), seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeJob(payload)
}

func (q *SQLiteQueue) Ack(ctx context.Context, jobID, owner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ? AND owner = ?`, jobID, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}
