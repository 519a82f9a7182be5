package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis. Keys:
//
//	<prefix>jobs         => ZSET of job ids scored by visible-at (unix ms)
//	<prefix>job:<id>     => JSON-encoded Job
//	<prefix>owners       => HASH job id -> lease owner
//
// Claiming and acknowledging run as Lua scripts so two workers never lease
// the same visible job.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix defaults to "deckflow:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "deckflow:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 20 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyJobs() string { return q.prefix + "jobs" }

func (q *RedisQueue) keyJob(id string) string { return q.prefix + "job:" + id }

func (q *RedisQueue) keyOwners() string { return q.prefix + "owners" }

// KEYS[1]=jobs KEYS[2]=owners ARGV[1]=now ARGV[2]=lease deadline ARGV[3]=owner
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
redis.call('HSET', KEYS[2], ids[1], ARGV[3])
return ids[1]
`)

// KEYS[1]=jobs KEYS[2]=owners KEYS[3]=job ARGV[1]=id ARGV[2]=owner
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	visible := prepare(&job, time.Now())
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	created, err := q.client.SetNX(ctx, q.keyJob(job.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return q.client.ZAddNX(ctx, q.keyJobs(), redis.Z{
		Score:  float64(visible.UnixMilli()),
		Member: job.ID,
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Job, error) {
	lease = leaseOrDefault(lease)
	for {
		now := time.Now()
		id, err := claimScript.Run(ctx, q.client,
			[]string{q.keyJobs(), q.keyOwners()},
			now.UnixMilli(), now.Add(lease).UnixMilli(), owner,
		).Text()
		switch {
		case errors.Is(err, redis.Nil):
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.pollInterval):
			}
			continue
		case err != nil:
			return nil, err
		}

		data, err := q.client.Get(ctx, q.keyJob(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Payload vanished (acked by a previous owner mid-claim); drop it.
			slog.WarnContext(ctx, "redis_queue_orphan_job", slog.String("job_id", id))
			q.client.ZRem(ctx, q.keyJobs(), id)
			q.client.HDel(ctx, q.keyOwners(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		return DecodeJob(data)
	}
}

func (q *RedisQueue) Ack(ctx context.Context, jobID, owner string) error {
	n, err := ackScript.Run(ctx, q.client,
		[]string{q.keyJobs(), q.keyOwners(), q.keyJob(jobID)},
		jobID, owner,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the approximate number of queued jobs (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.keyJobs()).Result()
	if err != nil {
		slog.Warn("redis_queue_len_failed", slog.String("error", err.Error()))
		return 0
	}
	return int(n)
}
