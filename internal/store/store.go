package store

import (
	"context"
	"errors"

	"image-enhancer/internal/models"
)

// Sentinel errors shared by both backends. ErrDuplicateKey and
// ErrInvalidTransition indicate programming errors (bad ID generation or an
// illegal status change) and are logged as such by callers.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ScanStore persists scrape results. Records are immutable after Put.
type ScanStore interface {
	PutScan(ctx context.Context, rec models.ScanRecord) error
	GetScan(ctx context.Context, scanID string) (models.ScanRecord, error)
	// FindImage resolves an image ID across all scans, returning the image
	// and the scan that discovered it.
	FindImage(ctx context.Context, imageID string) (models.ImageRef, string, error)
	ClearScans(ctx context.Context) error
}

// JobStore persists enhancement job records.
type JobStore interface {
	PutJob(ctx context.Context, rec models.JobRecord) error
	GetJob(ctx context.Context, jobID string) (models.JobRecord, error)
	// UpdateJob applies mutate to the current record under the transition
	// guard: a mutation that moves status illegally (including any move out
	// of a terminal state) fails with ErrInvalidTransition and leaves the
	// record untouched. The updated record is returned.
	UpdateJob(ctx context.Context, jobID string, mutate func(*models.JobRecord) error) (models.JobRecord, error)
	// ListJobs returns all records ordered by creation time.
	ListJobs(ctx context.Context) ([]models.JobRecord, error)
	ClearJobs(ctx context.Context) error
}

// Store is the combined persistence surface the service is wired with.
type Store interface {
	ScanStore
	JobStore
	Close()
}
