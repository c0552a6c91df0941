package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"image-enhancer/internal/models"
)

// Postgres wraps pgxpool for durable scan/job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) PutScan(ctx context.Context, rec models.ScanRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO scans (id, source_url, created_at) VALUES ($1, $2, $3)
	`, rec.ID, rec.SourceURL, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert scan: %w", err)
	}

	for i, img := range rec.Images {
		_, err = tx.Exec(ctx, `
			INSERT INTO scan_images (scan_id, position, id, source_url, local_path, width, height, file_size, alt_text, source_element)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, rec.ID, i, img.ID, img.SourceURL, img.LocalPath, img.Width, img.Height, img.FileSize, img.AltText, img.SourceElement)
		if err != nil {
			return fmt.Errorf("insert scan image: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) GetScan(ctx context.Context, scanID string) (models.ScanRecord, error) {
	var rec models.ScanRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_url, created_at FROM scans WHERE id = $1
	`, scanID).Scan(&rec.ID, &rec.SourceURL, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ScanRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ScanRecord{}, fmt.Errorf("scan row: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_url, local_path, width, height, file_size, alt_text, source_element
		FROM scan_images WHERE scan_id = $1 ORDER BY position
	`, scanID)
	if err != nil {
		return models.ScanRecord{}, fmt.Errorf("query scan images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var img models.ImageRef
		if err := rows.Scan(&img.ID, &img.SourceURL, &img.LocalPath, &img.Width, &img.Height, &img.FileSize, &img.AltText, &img.SourceElement); err != nil {
			return models.ScanRecord{}, fmt.Errorf("scan image row: %w", err)
		}
		rec.Images = append(rec.Images, img)
	}
	return rec, rows.Err()
}

func (s *Postgres) FindImage(ctx context.Context, imageID string) (models.ImageRef, string, error) {
	var img models.ImageRef
	var scanID string
	err := s.pool.QueryRow(ctx, `
		SELECT scan_id, id, source_url, local_path, width, height, file_size, alt_text, source_element
		FROM scan_images WHERE id = $1 LIMIT 1
	`, imageID).Scan(&scanID, &img.ID, &img.SourceURL, &img.LocalPath, &img.Width, &img.Height, &img.FileSize, &img.AltText, &img.SourceElement)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImageRef{}, "", ErrNotFound
	}
	if err != nil {
		return models.ImageRef{}, "", fmt.Errorf("query image: %w", err)
	}
	return img, scanID, nil
}

func (s *Postgres) ClearScans(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scans`)
	return err
}

func (s *Postgres) PutJob(ctx context.Context, rec models.JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, image_id, source_url, local_path, scale, status, attempts, max_attempts, result_path, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.ImageID, rec.SourceURL, rec.LocalPath, rec.Scale, rec.Status, rec.Attempts, rec.MaxAttempts, rec.ResultPath, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.JobRecord, error) {
	return scanJobRow(s.pool.QueryRow(ctx, jobSelect+` WHERE id = $1`, jobID))
}

// UpdateJob locks the row, applies mutate, and writes back under the
// transition guard.
func (s *Postgres) UpdateJob(ctx context.Context, jobID string, mutate func(*models.JobRecord) error) (models.JobRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanJobRow(tx.QueryRow(ctx, jobSelect+` WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return models.JobRecord{}, err
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

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET image_id = $2, source_url = $3, local_path = $4, scale = $5, status = $6,
		    attempts = $7, max_attempts = $8, result_path = $9, last_error = $10, updated_at = $11
		WHERE id = $1
	`, updated.ID, updated.ImageID, updated.SourceURL, updated.LocalPath, updated.Scale, updated.Status,
		updated.Attempts, updated.MaxAttempts, updated.ResultPath, updated.LastError, updated.UpdatedAt)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.JobRecord{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func (s *Postgres) ListJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, jobSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		rec, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) ClearJobs(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs`)
	return err
}

const jobSelect = `
	SELECT id, image_id, source_url, local_path, scale, status, attempts, max_attempts, result_path, last_error, created_at, updated_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (models.JobRecord, error) {
	var rec models.JobRecord
	var resultPath, lastErr pgtype.Text
	err := row.Scan(&rec.ID, &rec.ImageID, &rec.SourceURL, &rec.LocalPath, &rec.Scale, &rec.Status,
		&rec.Attempts, &rec.MaxAttempts, &resultPath, &lastErr, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, ErrNotFound
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	rec.ResultPath = textPtr(resultPath)
	rec.LastError = textPtr(lastErr)
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
