package models

import (
	"time"
)

// JobStatus enumerates enhancement job lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// IsTerminal reports whether a job status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// ValidTransition reports whether a status change is legal. Transitions only
// move forward: pending -> running -> succeeded/failed. A job that fails before
// it is ever picked up may go pending -> failed directly. Same-status updates
// are allowed so that attempts/last_error can change mid-flight.
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// ImageRef is one image discovered by a scan.
type ImageRef struct {
	ID            string `json:"id"`
	SourceURL     string `json:"original_url"`
	LocalPath     string `json:"local_path,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
	AltText       string `json:"alt_text,omitempty"`
	SourceElement string `json:"source_element"`
}

// ScanRecord captures one scrape of a URL. Immutable after creation.
type ScanRecord struct {
	ID        string     `json:"scan_id"`
	SourceURL string     `json:"url"`
	Images    []ImageRef `json:"images"`
	CreatedAt time.Time  `json:"created_at"`
}

// JobRecord tracks a single enhancement request to a terminal outcome.
type JobRecord struct {
	ID          string    `json:"job_id"`
	ImageID     string    `json:"image_id"`
	SourceURL   string    `json:"source_url,omitempty"`
	LocalPath   string    `json:"-"`
	Scale       int       `json:"scale"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	ResultPath  *string   `json:"result_path,omitempty"`
	LastError   *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
