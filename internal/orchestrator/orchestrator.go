// Package orchestrator owns the scan and enhancement flows: it creates scan
// and job records, hands jobs to the queue, and answers status queries. Job
// progress is exposed only through the job store, never through callbacks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"image-enhancer/internal/config"
	"image-enhancer/internal/models"
	"image-enhancer/internal/queue"
	"image-enhancer/internal/scraper"
	"image-enhancer/internal/store"
	"image-enhancer/internal/telemetry"
)

// Validation failures surfaced as 400s by the API layer.
var (
	ErrInvalidScale = errors.New("scale must be 2 or 4")
	ErrInvalidURL   = errors.New("url must be absolute http(s)")
)

// PageScanner is the scraping collaborator. Implemented by scraper.Scraper;
// tests substitute stubs.
type PageScanner interface {
	Scan(ctx context.Context, pageURL string) ([]models.ImageRef, error)
	DownloadAll(ctx context.Context, images []models.ImageRef) []models.ImageRef
}

// Orchestrator drives scans and enhancement jobs over the injected stores and queue.
type Orchestrator struct {
	cfg     config.Config
	store   store.Store
	queue   *queue.RedisQueue
	scanner PageScanner
}

// New wires an orchestrator.
func New(cfg config.Config, st store.Store, q *queue.RedisQueue, scanner PageScanner) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: st, queue: q, scanner: scanner}
}

// Scan scrapes pageURL, downloads the discovered images, and stores the
// resulting ScanRecord.
func (o *Orchestrator) Scan(ctx context.Context, pageURL string) (models.ScanRecord, error) {
	if !isAbsoluteHTTP(pageURL) {
		return models.ScanRecord{}, ErrInvalidURL
	}

	images, err := o.scanner.Scan(ctx, pageURL)
	if err != nil {
		return models.ScanRecord{}, fmt.Errorf("scan %s: %w", pageURL, err)
	}
	downloaded := o.scanner.DownloadAll(ctx, images)

	rec := models.ScanRecord{
		ID:        uuid.New().String(),
		SourceURL: pageURL,
		Images:    downloaded,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.PutScan(ctx, rec); err != nil {
		return models.ScanRecord{}, fmt.Errorf("store scan: %w", err)
	}

	telemetry.ScansTotal.Inc()
	telemetry.ImagesDiscovered.Add(float64(len(downloaded)))
	return rec, nil
}

// GetScan returns a stored ScanRecord verbatim.
func (o *Orchestrator) GetScan(ctx context.Context, scanID string) (models.ScanRecord, error) {
	return o.store.GetScan(ctx, scanID)
}

// EnhanceOne creates a pending JobRecord for the referenced image and hands it
// to the queue. imageRef is either an image ID from a previous scan or a
// direct absolute image URL. The scale is validated before anything is created.
func (o *Orchestrator) EnhanceOne(ctx context.Context, imageRef string, scale int) (models.JobRecord, error) {
	scale, err := o.resolveScale(scale)
	if err != nil {
		return models.JobRecord{}, err
	}

	img, _, err := o.store.FindImage(ctx, imageRef)
	if errors.Is(err, store.ErrNotFound) {
		if !isAbsoluteHTTP(imageRef) {
			return models.JobRecord{}, fmt.Errorf("image %q: %w", imageRef, store.ErrNotFound)
		}
		img = models.ImageRef{ID: scraper.ImageID(imageRef), SourceURL: imageRef}
	} else if err != nil {
		return models.JobRecord{}, err
	}

	return o.createJob(ctx, img, scale)
}

// EnhanceBatch creates one job per image of a scan. A failure on one image is
// recorded in that image's job and does not abort the rest.
func (o *Orchestrator) EnhanceBatch(ctx context.Context, scanID string, scale int) ([]string, error) {
	scale, err := o.resolveScale(scale)
	if err != nil {
		return nil, err
	}

	rec, err := o.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}

	jobIDs := make([]string, 0, len(rec.Images))
	for _, img := range rec.Images {
		job, err := o.createJob(ctx, img, scale)
		if err != nil {
			// The job record, if created, already carries the failure.
			log.Printf("orchestrator: batch %s image %s: %v", scanID, img.ID, err)
			if job.ID == "" {
				continue
			}
		}
		jobIDs = append(jobIDs, job.ID)
	}
	return jobIDs, nil
}

func (o *Orchestrator) createJob(ctx context.Context, img models.ImageRef, scale int) (models.JobRecord, error) {
	now := time.Now().UTC()
	job := models.JobRecord{
		ID:          uuid.New().String(),
		ImageID:     img.ID,
		SourceURL:   img.SourceURL,
		LocalPath:   img.LocalPath,
		Scale:       scale,
		Status:      models.StatusPending,
		MaxAttempts: o.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.PutJob(ctx, job); err != nil {
		// Duplicate IDs out of uuid.New are a programming error, not a
		// condition to paper over.
		return models.JobRecord{}, fmt.Errorf("store job: %w", err)
	}

	if err := o.queue.Enqueue(ctx, job.ID); err != nil {
		msg := fmt.Sprintf("enqueue: %v", err)
		failed, uerr := o.store.UpdateJob(ctx, job.ID, func(j *models.JobRecord) error {
			j.Status = models.StatusFailed
			j.LastError = &msg
			return nil
		})
		if uerr != nil {
			log.Printf("orchestrator: mark job %s failed: %v", job.ID, uerr)
			return job, fmt.Errorf("enqueue job: %w", err)
		}
		return failed, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsEnqueued.Inc()
	return job, nil
}

// Status returns the current JobRecord verbatim.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (models.JobRecord, error) {
	return o.store.GetJob(ctx, jobID)
}

// Results lists succeeded jobs in creation order.
func (o *Orchestrator) Results(ctx context.Context) ([]models.JobRecord, error) {
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.JobRecord, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == models.StatusSucceeded {
			out = append(out, j)
		}
	}
	return out, nil
}

// Clear empties both stores, flushes the queue, and deletes temp/output files.
func (o *Orchestrator) Clear(ctx context.Context) error {
	if err := o.store.ClearScans(ctx); err != nil {
		return fmt.Errorf("clear scans: %w", err)
	}
	if err := o.store.ClearJobs(ctx); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}
	if err := o.queue.Flush(ctx); err != nil {
		return fmt.Errorf("flush queue: %w", err)
	}
	removeFiles(o.cfg.TempDir)
	removeFiles(o.cfg.OutputDir)
	return nil
}

func (o *Orchestrator) resolveScale(scale int) (int, error) {
	if scale == 0 {
		scale = o.cfg.UpscaleFactor
	}
	if !config.ValidScale(scale) {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidScale, scale)
	}
	return scale, nil
}

func removeFiles(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.Printf("orchestrator: remove %s: %v", e.Name(), err)
		}
	}
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
