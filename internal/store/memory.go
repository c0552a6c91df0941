package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"image-enhancer/internal/models"
)

// Memory is a mutex-guarded in-memory backend. It backs the single-process
// deployment mode and doubles as the test double for everything above it.
type Memory struct {
	mu        sync.Mutex
	scans     map[string]models.ScanRecord
	scanOrder []string
	jobs      map[string]models.JobRecord
	jobOrder  []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		scans: make(map[string]models.ScanRecord),
		jobs:  make(map[string]models.JobRecord),
	}
}

func (m *Memory) Close() {}

func (m *Memory) PutScan(_ context.Context, rec models.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[rec.ID]; ok {
		return ErrDuplicateKey
	}
	// Copy the image slice so later caller mutations cannot leak in.
	rec.Images = append([]models.ImageRef(nil), rec.Images...)
	m.scans[rec.ID] = rec
	m.scanOrder = append(m.scanOrder, rec.ID)
	return nil
}

func (m *Memory) GetScan(_ context.Context, scanID string) (models.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scans[scanID]
	if !ok {
		return models.ScanRecord{}, ErrNotFound
	}
	out := rec
	out.Images = append([]models.ImageRef(nil), rec.Images...)
	return out, nil
}

func (m *Memory) FindImage(_ context.Context, imageID string) (models.ImageRef, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, scanID := range m.scanOrder {
		for _, img := range m.scans[scanID].Images {
			if img.ID == imageID {
				return img, scanID, nil
			}
		}
	}
	return models.ImageRef{}, "", ErrNotFound
}

func (m *Memory) ClearScans(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = make(map[string]models.ScanRecord)
	m.scanOrder = nil
	return nil
}

func (m *Memory) PutJob(_ context.Context, rec models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[rec.ID]; ok {
		return ErrDuplicateKey
	}
	m.jobs[rec.ID] = rec
	m.jobOrder = append(m.jobOrder, rec.ID)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return models.JobRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) UpdateJob(_ context.Context, jobID string, mutate func(*models.JobRecord) error) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return models.JobRecord{}, ErrNotFound
	}
	updated := rec
	if err := mutate(&updated); err != nil {
		return models.JobRecord{}, err
	}
	if !models.ValidTransition(rec.Status, updated.Status) {
		return models.JobRecord{}, ErrInvalidTransition
	}
	updated.ID = rec.ID
	updated.CreatedAt = rec.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	m.jobs[jobID] = updated
	return updated, nil
}

func (m *Memory) ListJobs(_ context.Context) ([]models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobRecord, 0, len(m.jobOrder))
	for _, id := range m.jobOrder {
		out = append(out, m.jobs[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ClearJobs(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[string]models.JobRecord)
	m.jobOrder = nil
	return nil
}
