package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"image-enhancer/internal/config"
	"image-enhancer/internal/models"
	"image-enhancer/internal/queue"
	"image-enhancer/internal/store"
)

func newTestProcessor(t *testing.T, handler Handler) (*Processor, *store.Memory, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedisQueueWithClient(client, time.Minute)

	st := store.NewMemory()
	cfg := config.Config{
		MaxAttempts:        2,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		WorkerPollInterval: time.Millisecond,
		VisibilityTimeout:  time.Minute,
		ScheduledBatchSize: 10,
	}
	return NewProcessor(cfg, q, st, handler, "test"), st, q
}

func pendingJob(t *testing.T, st *store.Memory, id string, maxAttempts int) models.JobRecord {
	t.Helper()
	now := time.Now().UTC()
	job := models.JobRecord{
		ID:          id,
		ImageID:     "img-1",
		SourceURL:   "https://example.com/a.jpg",
		Scale:       2,
		Status:      models.StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.PutJob(context.Background(), job); err != nil {
		t.Fatalf("put job: %v", err)
	}
	return job
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t, func(_ context.Context, job models.JobRecord) (string, error) {
		if job.Status != models.StatusRunning {
			t.Errorf("handler saw status %s", job.Status)
		}
		return "/output/enhanced_img-1.webp", nil
	})
	pendingJob(t, st, "job-1", 2)

	p.process(ctx, "job-1")

	got, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusSucceeded {
		t.Fatalf("status %s", got.Status)
	}
	if got.ResultPath == nil || *got.ResultPath != "/output/enhanced_img-1.webp" {
		t.Fatalf("result path %v", got.ResultPath)
	}
}

func TestProcessRetriesOnceThenFails(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p, st, q := newTestProcessor(t, func(context.Context, models.JobRecord) (string, error) {
		calls++
		return "", errors.New("upstream timeout")
	})
	pendingJob(t, st, "job-1", 2)

	// First attempt: transient failure is rescheduled, not terminal.
	p.process(ctx, "job-1")
	got, _ := st.GetJob(ctx, "job-1")
	if got.Status != models.StatusRunning {
		t.Fatalf("after first failure status %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts %d", got.Attempts)
	}

	n, err := q.PromoteScheduled(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || n != 1 {
		t.Fatalf("promote retry: n=%d err=%v", n, err)
	}

	// Second attempt exhausts the budget.
	p.process(ctx, "job-1")
	got, _ = st.GetJob(ctx, "job-1")
	if got.Status != models.StatusFailed {
		t.Fatalf("after second failure status %s", got.Status)
	}
	if got.LastError == nil || *got.LastError != "upstream timeout" {
		t.Fatalf("last error %v", got.LastError)
	}
	if calls != 2 {
		t.Fatalf("handler ran %d times", calls)
	}

	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "job-1" {
		t.Fatalf("dlq %v err=%v", items, err)
	}
}

func TestProcessSkipsTerminalJob(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t, func(context.Context, models.JobRecord) (string, error) {
		t.Error("handler must not run for a terminal job")
		return "", nil
	})

	job := pendingJob(t, st, "job-1", 2)
	if _, err := st.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
		j.Status = models.StatusRunning
		return nil
	}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := st.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
		j.Status = models.StatusFailed
		return nil
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	p.process(ctx, "job-1")
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}
