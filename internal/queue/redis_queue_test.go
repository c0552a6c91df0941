package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, visibility)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("depth=%d err=%v", depth, err)
	}

	// FIFO order, and dequeued jobs move to inflight rather than vanishing.
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("dequeue got %q err=%v", id, err)
	}
	if reclaimed, _ := q.RequeueExpired(ctx, time.Now(), 10); len(reclaimed) != 0 {
		t.Fatalf("lease expired immediately: %v", reclaimed)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "job-2" {
		t.Fatalf("dequeue got %q err=%v", id, err)
	}

	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got %q err=%v", id, err)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != "job-1" {
		t.Fatalf("reclaimed %v", reclaimed)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("reclaimed job not ready: %q err=%v", id, err)
	}
}

func TestScheduleAndPromote(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	runAt := time.Now().Add(time.Hour)
	if err := q.Schedule(ctx, "job-1", runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("premature promote: n=%d err=%v", n, err)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("promoted job not ready: %q err=%v", id, err)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.DLQPush(ctx, "job-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "job-1" {
		t.Fatalf("dlq peek: %v err=%v", items, err)
	}
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	_ = q.Enqueue(ctx, "job-1")
	_ = q.Schedule(ctx, "job-2", time.Now().Add(time.Hour))
	_ = q.DLQPush(ctx, "job-3")

	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	depth, _ := q.ReadyDepth(ctx)
	if depth != 0 {
		t.Fatalf("ready not flushed: %d", depth)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); n != 0 {
		t.Fatalf("scheduled not flushed: %d", n)
	}
	if items, _ := q.DLQPeek(ctx, 10); len(items) != 0 {
		t.Fatalf("dlq not flushed: %v", items)
	}
}
