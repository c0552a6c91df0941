package worker

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"image-enhancer/internal/config"
	"image-enhancer/internal/models"
	"image-enhancer/internal/queue"
	"image-enhancer/internal/store"
	"image-enhancer/internal/telemetry"
)

// Handler executes one enhancement job and returns the stored result path.
type Handler func(ctx context.Context, job models.JobRecord) (string, error)

// Processor drives the worker execution loop: promote retries, reclaim
// expired leases, dequeue, run the handler, and settle the job record.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    store.Store
	handler  Handler
	workerID string
}

// NewProcessor creates a processor bound to a single handler; every queued
// job is an enhancement.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Store, handler Handler, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handler:  handler,
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			log.Printf("worker %s: reclaimed %d expired leases", p.workerID, len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

// process runs one dequeued job to an outcome.
func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("worker %s: load job %s: %v", p.workerID, jobID, err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if models.IsTerminal(job.Status) {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	job, err = p.store.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
		j.Status = models.StatusRunning
		return nil
	})
	if err != nil {
		log.Printf("worker %s: mark running %s: %v", p.workerID, jobID, err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	// Enhancement can outlive the lease window; widen it up front rather
	// than mid-flight.
	if p.cfg.EnhanceTimeout > p.cfg.VisibilityTimeout/2 {
		_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.EnhanceTimeout+time.Minute)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	resultPath, err := p.handler(ctx, job)
	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		if _, uerr := p.store.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
			j.Status = models.StatusSucceeded
			j.ResultPath = &resultPath
			j.LastError = nil
			return nil
		}); uerr != nil {
			log.Printf("worker %s: mark succeeded %s: %v", p.workerID, job.ID, uerr)
		}
		telemetry.JobsSucceeded.Inc()
		return
	}

	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	msg := err.Error()

	if attempts >= maxAttempts {
		_ = p.queue.Ack(ctx, job.ID)
		if _, uerr := p.store.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
			j.Status = models.StatusFailed
			j.Attempts = attempts
			j.LastError = &msg
			return nil
		}); uerr != nil {
			log.Printf("worker %s: mark failed %s: %v", p.workerID, job.ID, uerr)
		}
		_ = p.queue.DLQPush(ctx, job.ID)
		telemetry.JobsFailed.Inc()
		log.Printf("worker %s: job %s failed after %d attempts: %v", p.workerID, job.ID, attempts, err)
		return
	}

	// The job stays running across the backoff window; status never moves
	// backward.
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	if _, uerr := p.store.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
		j.Attempts = attempts
		j.LastError = &msg
		return nil
	}); uerr != nil {
		log.Printf("worker %s: record attempt %s: %v", p.workerID, job.ID, uerr)
	}
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, time.Now().Add(backoff))
	telemetry.JobsRetried.Inc()
	log.Printf("worker %s: job %s attempt %d failed, retrying in %s: %v", p.workerID, job.ID, attempts, backoff, err)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
