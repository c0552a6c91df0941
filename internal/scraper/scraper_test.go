package scraper

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"image-enhancer/internal/models"
)

func newScraper(t *testing.T) *Scraper {
	t.Helper()
	return New(2*time.Second, t.TempDir(), 2*1024*1024)
}

func TestScanFindsImgTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<img src="/one.jpg" alt="first">
			<img src="/two.png">
		</body></html>`))
	}))
	defer srv.Close()

	images, err := newScraper(t).Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	if images[0].SourceURL != srv.URL+"/one.jpg" {
		t.Fatalf("relative URL not resolved: %s", images[0].SourceURL)
	}
	if images[0].AltText != "first" {
		t.Fatalf("alt text lost: %q", images[0].AltText)
	}
	if images[0].SourceElement != "img" {
		t.Fatalf("wrong source element: %s", images[0].SourceElement)
	}
	if len(images[0].ID) != 12 {
		t.Fatalf("expected 12-char id, got %q", images[0].ID)
	}
}

func TestScanCollectsAllSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><head>
			<style>.hero { background-image: url('/hero.jpg'); }</style>
		</head><body>
			<img src="/a.jpg">
			<img data-src="/lazy.png">
			<picture><source srcset="/b.webp 1x, /b2.webp 2x"></picture>
			<div style="background: url(/inline.gif)"></div>
			<img src="/a.jpg">
			<img src="/script.js">
			<img>
		</body></html>`))
	}))
	defer srv.Close()

	images, err := newScraper(t).Scan(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	// a.jpg, lazy.png, b.webp, b2.webp, hero.jpg, inline.gif — duplicate and
	// non-image URLs dropped.
	want := map[string]string{
		"/a.jpg":      "img",
		"/lazy.png":   "img",
		"/b.webp":     "source",
		"/b2.webp":    "source",
		"/hero.jpg":   "background-image",
		"/inline.gif": "background-image",
	}
	if len(images) != len(want) {
		t.Fatalf("expected %d images, got %d: %+v", len(want), len(images), images)
	}
	for _, img := range images {
		path := img.SourceURL[len(srv.URL):]
		if want[path] != img.SourceElement {
			t.Fatalf("url %s: element %s, want %s", path, img.SourceElement, want[path])
		}
	}
}

func TestScanRejectsBadURL(t *testing.T) {
	if _, err := newScraper(t).Scan(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for relative url")
	}
}

func TestScanUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newScraper(t).Scan(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 500 page")
	}
}

func TestDownloadAll(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	s := newScraper(t)
	downloaded := s.DownloadAll(context.Background(), []models.ImageRef{
		{ID: ImageID(srv.URL + "/ok.png"), SourceURL: srv.URL + "/ok.png"},
		{ID: ImageID(srv.URL + "/broken.png"), SourceURL: srv.URL + "/broken.png"},
	})
	if len(downloaded) != 1 {
		t.Fatalf("expected 1 downloaded image, got %d", len(downloaded))
	}
	got := downloaded[0]
	if got.Width != 8 || got.Height != 6 {
		t.Fatalf("dimensions not recorded: %dx%d", got.Width, got.Height)
	}
	if got.FileSize != int64(buf.Len()) {
		t.Fatalf("file size %d, want %d", got.FileSize, buf.Len())
	}
	if _, err := os.Stat(got.LocalPath); err != nil {
		t.Fatalf("local file missing: %v", err)
	}
}
