package scraper

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/net/html"

	"image-enhancer/internal/models"
)

const userAgent = "Mozilla/5.0 (compatible; ImageEnhancerBot/1.0)"

var supportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true, ".bmp": true,
}

var backgroundImagePattern = regexp.MustCompile(`background(?:-image)?\s*:\s*url\(["']?([^"')\s]+)["']?\)`)

// Scraper discovers and downloads images referenced by a web page.
type Scraper struct {
	httpClient *http.Client
	tempDir    string
	maxBytes   int64
}

// New constructs a scraper with a bounded HTTP client.
func New(timeout time.Duration, tempDir string, maxBytes int64) *Scraper {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &Scraper{
		httpClient: &http.Client{Timeout: timeout},
		tempDir:    tempDir,
		maxBytes:   maxBytes,
	}
}

// Scan fetches pageURL and returns image references in document order:
// <img> sources (src, then data-src, then data-lazy-src), <source srcset>
// candidates, and background-image URLs from inline styles and <style> text.
// Relative URLs are resolved against the page; unsupported extensions and
// duplicates are dropped.
func (s *Scraper) Scan(ctx context.Context, pageURL string) ([]models.ImageRef, error) {
	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("invalid page url %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	c := &collector{base: base, seen: make(map[string]bool)}
	c.walk(doc)
	return c.images, nil
}

type collector struct {
	base   *url.URL
	seen   map[string]bool
	images []models.ImageRef
}

func (c *collector) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "img":
			src := firstAttr(n, "src", "data-src", "data-lazy-src")
			c.add(src, attr(n, "alt"), "img")
		case "source":
			for _, part := range strings.Split(attr(n, "srcset"), ",") {
				fields := strings.Fields(part)
				if len(fields) > 0 {
					c.add(fields[0], "", "source")
				}
			}
		case "style":
			if n.FirstChild != nil {
				c.addBackgrounds(n.FirstChild.Data)
			}
		}
		if style := attr(n, "style"); style != "" {
			c.addBackgrounds(style)
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walk(child)
	}
}

func (c *collector) addBackgrounds(style string) {
	for _, m := range backgroundImagePattern.FindAllStringSubmatch(style, -1) {
		c.add(m[1], "", "background-image")
	}
}

func (c *collector) add(raw, alt, element string) {
	if raw == "" {
		return
	}
	ref, err := c.base.Parse(raw)
	if err != nil {
		return
	}
	abs := ref.String()
	if c.seen[abs] || !supportedExtensions[strings.ToLower(path.Ext(ref.Path))] {
		return
	}
	c.seen[abs] = true
	c.images = append(c.images, models.ImageRef{
		ID:            ImageID(abs),
		SourceURL:     abs,
		AltText:       alt,
		SourceElement: element,
	})
}

// ImageID derives a stable identifier from an absolute image URL.
func ImageID(absURL string) string {
	sum := md5.Sum([]byte(absURL))
	return hex.EncodeToString(sum[:])[:12]
}

// DownloadAll fetches every discovered image into the temp directory and
// fills in local path, dimensions, and byte size. Images that fail to
// download are skipped with a warning; only downloaded images are returned.
func (s *Scraper) DownloadAll(ctx context.Context, images []models.ImageRef) []models.ImageRef {
	out := make([]models.ImageRef, 0, len(images))
	for _, img := range images {
		downloaded, err := s.download(ctx, img)
		if err != nil {
			log.Printf("scraper: skipping %s: %v", img.SourceURL, err)
			continue
		}
		out = append(out, downloaded)
	}
	return out
}

func (s *Scraper) download(ctx context.Context, img models.ImageRef) (models.ImageRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.SourceURL, nil)
	if err != nil {
		return img, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return img, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return img, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, s.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return img, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return img, fmt.Errorf("image too large (>%d bytes)", s.maxBytes)
	}

	ext := ".jpg"
	if u, err := url.Parse(img.SourceURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" {
			ext = e
		}
	}

	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return img, fmt.Errorf("create temp dir: %w", err)
	}
	localPath := filepath.Join(s.tempDir, img.ID+ext)
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return img, fmt.Errorf("write file: %w", err)
	}

	// Dimensions are best-effort metadata; an undecodable image still counts
	// as downloaded.
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(body)); err == nil {
		img.Width = cfg.Width
		img.Height = cfg.Height
	}

	img.LocalPath = localPath
	img.FileSize = int64(len(body))
	return img, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstAttr(n *html.Node, keys ...string) string {
	for _, k := range keys {
		if v := attr(n, k); v != "" {
			return v
		}
	}
	return ""
}
