package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"image-enhancer/internal/config"
	"image-enhancer/internal/enhancer"
	"image-enhancer/internal/models"
	"image-enhancer/internal/optimizer"
)

// EnhanceHandler runs a single enhancement job: load the source image, send
// it through the remote upscaler, re-encode for web delivery, and store the
// result.
type EnhanceHandler struct {
	cfg        config.Config
	httpClient *http.Client
	enhancer   enhancer.Enhancer
	optimizer  *optimizer.Optimizer
	uploader   Uploader
}

// NewEnhanceHandler wires the full pipeline from config.
func NewEnhanceHandler(ctx context.Context, cfg config.Config) (*EnhanceHandler, error) {
	enh, err := enhancer.NewClient(enhancer.Options{
		BaseURL:      cfg.ReplicateBaseURL,
		Token:        cfg.ReplicateAPIToken,
		ModelVersion: cfg.ReplicateModelVersion,
		PollInterval: cfg.EnhancePollInterval,
		Timeout:      cfg.EnhanceTimeout,
	})
	if err != nil {
		return nil, err
	}

	opt, err := optimizer.New(cfg.OutputFormat, cfg.OutputQuality, cfg.OutputMaxDimension)
	if err != nil {
		return nil, err
	}

	up, err := NewUploader(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return NewEnhanceHandlerWith(cfg, enh, opt, up), nil
}

// NewEnhanceHandlerWith injects the collaborators directly; tests use this.
func NewEnhanceHandlerWith(cfg config.Config, enh enhancer.Enhancer, opt *optimizer.Optimizer, up Uploader) *EnhanceHandler {
	timeout := cfg.ScrapeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &EnhanceHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		enhancer:   enh,
		optimizer:  opt,
		uploader:   up,
	}
}

// Handle processes one job and returns the stored result path.
func (h *EnhanceHandler) Handle(ctx context.Context, job models.JobRecord) (string, error) {
	data, err := h.loadSource(ctx, job)
	if err != nil {
		return "", err
	}

	enhanced, err := h.enhancer.Enhance(ctx, data, job.Scale)
	if err != nil {
		return "", fmt.Errorf("enhance: %w", err)
	}

	result, err := h.optimizer.Optimize(enhanced)
	if err != nil {
		return "", fmt.Errorf("optimize: %w", err)
	}

	key := fmt.Sprintf("enhanced_%s.%s", job.ImageID, result.Extension)
	path, err := h.uploader.Upload(ctx, key, result.Data, result.ContentType)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return path, nil
}

// loadSource prefers the file downloaded at scan time and falls back to
// fetching the source URL (direct-URL jobs never have a local file).
func (h *EnhanceHandler) loadSource(ctx context.Context, job models.JobRecord) ([]byte, error) {
	if job.LocalPath != "" {
		data, err := os.ReadFile(job.LocalPath)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read source: %w", err)
		}
	}
	if job.SourceURL == "" {
		return nil, errors.New("job has no source image")
	}
	return h.download(ctx, job.SourceURL)
}

func (h *EnhanceHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	limit := h.cfg.MaxImageBytes
	if limit == 0 {
		limit = 10 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("source too large (>%d bytes)", limit)
	}
	return body, nil
}
