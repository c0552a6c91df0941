// Package queue coordinates ready, in-flight, and retry-scheduled enhancement
// jobs in Redis. In-flight jobs carry a visibility-timeout lease; expired
// leases are reclaimed back into the ready list.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"image-enhancer/internal/config"
)

const (
	readyKey     = "enhance:ready"
	inflightKey  = "enhance:inflight"
	scheduledKey = "enhance:scheduled"
	dlqKey       = "enhance:dlq"
)

// RedisQueue is the work queue between the API and the enhancement worker.
type RedisQueue struct {
	client        *redis.Client
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wraps an existing client; tests use this with miniredis.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{client: client, visibilityTTL: visibility}
}

// Enqueue makes a job available for a worker immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// Schedule defers a job until runAt (used for retry backoff).
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a ready job and places it into inflight with a
// visibility deadline. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{readyKey, inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, inflightKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush records a terminally failed job for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// Flush drops every queue structure. Backs the clear operation.
func (q *RedisQueue) Flush(ctx context.Context) error {
	return q.client.Del(ctx, readyKey, inflightKey, scheduledKey, dlqKey).Err()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
