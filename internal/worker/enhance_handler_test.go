package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"image-enhancer/internal/config"
	"image-enhancer/internal/models"
	"image-enhancer/internal/optimizer"
)

type stubEnhancer struct {
	out []byte
	err error
}

func (s stubEnhancer) Enhance(_ context.Context, _ []byte, _ int) ([]byte, error) {
	return s.out, s.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newHandler(t *testing.T, enh stubEnhancer, outDir string) *EnhanceHandler {
	t.Helper()
	opt, err := optimizer.New("png", 85, 0)
	if err != nil {
		t.Fatalf("optimizer: %v", err)
	}
	cfg := config.Config{ScrapeTimeout: 2 * time.Second, MaxImageBytes: 2 * 1024 * 1024}
	return NewEnhanceHandlerWith(cfg, enh, opt, &localUploader{baseDir: outDir})
}

func TestHandleLocalSource(t *testing.T) {
	tempDir := t.TempDir()
	outDir := t.TempDir()

	source := filepath.Join(tempDir, "abc123.png")
	if err := os.WriteFile(source, pngBytes(t, 4, 4), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	h := newHandler(t, stubEnhancer{out: pngBytes(t, 8, 8)}, outDir)
	job := models.JobRecord{
		ID:        "job-1",
		ImageID:   "abc123",
		LocalPath: source,
		Scale:     2,
		Status:    models.StatusRunning,
	}

	path, err := h.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if filepath.Base(path) != "enhanced_abc123.png" {
		t.Fatalf("unexpected result name: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("result not written: %v", err)
	}
	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Bounds().Dx() != 8 {
		t.Fatalf("expected upscaled width 8, got %d", out.Bounds().Dx())
	}
}

func TestHandleDownloadsWhenNoLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t, 4, 4))
	}))
	defer srv.Close()

	h := newHandler(t, stubEnhancer{out: pngBytes(t, 8, 8)}, t.TempDir())
	job := models.JobRecord{
		ID:        "job-1",
		ImageID:   "abc123",
		SourceURL: srv.URL + "/a.png",
		Scale:     2,
		Status:    models.StatusRunning,
	}

	if _, err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestHandleEnhancerFailure(t *testing.T) {
	tempDir := t.TempDir()
	source := filepath.Join(tempDir, "abc123.png")
	if err := os.WriteFile(source, pngBytes(t, 4, 4), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	h := newHandler(t, stubEnhancer{err: errors.New("model exploded")}, t.TempDir())
	job := models.JobRecord{ID: "job-1", ImageID: "abc123", LocalPath: source, Scale: 2}

	_, err := h.Handle(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("expected wrapped enhancer error, got %v", err)
	}
}

func TestHandleNoSource(t *testing.T) {
	h := newHandler(t, stubEnhancer{out: pngBytes(t, 8, 8)}, t.TempDir())
	if _, err := h.Handle(context.Background(), models.JobRecord{ID: "job-1", ImageID: "x"}); err == nil {
		t.Fatal("expected error for job without source")
	}
}
