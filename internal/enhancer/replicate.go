// Package enhancer wraps the Replicate predictions API for Real-ESRGAN
// upscaling. Create a prediction, poll it to a terminal status, then fetch
// the output image.
package enhancer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Enhancer upscales an image. Implemented by the Replicate client; tests
// substitute stubs.
type Enhancer interface {
	Enhance(ctx context.Context, imageData []byte, scale int) ([]byte, error)
}

// Client talks to the Replicate predictions API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	modelVersion string
	pollInterval time.Duration
	timeout      time.Duration
	maxBytes     int64
}

// Options configures the Replicate client.
type Options struct {
	BaseURL      string
	Token        string
	ModelVersion string
	PollInterval time.Duration
	Timeout      time.Duration
	MaxBytes     int64
}

// NewClient builds a Replicate client. The API token is required.
func NewClient(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, errors.New("REPLICATE_API_TOKEN is not set")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.replicate.com"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 25 * 1024 * 1024
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		token:        opts.Token,
		modelVersion: opts.ModelVersion,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		maxBytes:     opts.MaxBytes,
	}, nil
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  *string         `json:"error"`
}

type createPredictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

// Enhance submits imageData to the model at the given scale and returns the
// upscaled image bytes. The whole operation is bounded by the configured
// timeout.
func (c *Client) Enhance(ctx context.Context, imageData []byte, scale int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pred, err := c.createPrediction(ctx, imageData, scale)
	if err != nil {
		return nil, err
	}

	pred, err = c.waitForPrediction(ctx, pred)
	if err != nil {
		return nil, err
	}

	outputURL, err := outputURL(pred)
	if err != nil {
		return nil, err
	}
	return c.fetchOutput(ctx, outputURL)
}

func (c *Client) createPrediction(ctx context.Context, imageData []byte, scale int) (prediction, error) {
	body, err := json.Marshal(createPredictionRequest{
		Version: c.modelVersion,
		Input: map[string]any{
			"image":        "data:image/png;base64," + base64.StdEncoding.EncodeToString(imageData),
			"scale":        scale,
			"face_enhance": false,
		},
	})
	if err != nil {
		return prediction{}, fmt.Errorf("marshal prediction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return prediction{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	var pred prediction
	if err := c.doJSON(req, &pred); err != nil {
		return prediction{}, fmt.Errorf("create prediction: %w", err)
	}
	return pred, nil
}

func (c *Client) waitForPrediction(ctx context.Context, pred prediction) (prediction, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch pred.Status {
		case "succeeded":
			return pred, nil
		case "failed", "canceled":
			msg := "prediction " + pred.Status
			if pred.Error != nil && *pred.Error != "" {
				msg = *pred.Error
			}
			return prediction{}, fmt.Errorf("replicate: %s", msg)
		}

		select {
		case <-ctx.Done():
			return prediction{}, fmt.Errorf("wait for prediction %s: %w", pred.ID, ctx.Err())
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+pred.ID, nil)
		if err != nil {
			return prediction{}, fmt.Errorf("build poll request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+c.token)
		if err := c.doJSON(req, &pred); err != nil {
			return prediction{}, fmt.Errorf("poll prediction: %w", err)
		}
	}
}

// outputURL extracts the result URL; the model returns either a bare string
// or a list of URLs.
func outputURL(pred prediction) (string, error) {
	if len(pred.Output) == 0 {
		return "", errors.New("prediction succeeded with empty output")
	}
	var single string
	if err := json.Unmarshal(pred.Output, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(pred.Output, &many); err == nil && len(many) > 0 {
		return many[0], nil
	}
	return "", fmt.Errorf("unexpected prediction output: %s", string(pred.Output))
}

func (c *Client) fetchOutput(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build output request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download output: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("output too large (>%d bytes)", c.maxBytes)
	}
	return body, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
