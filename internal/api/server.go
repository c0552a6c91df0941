package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"image-enhancer/internal/config"
	"image-enhancer/internal/orchestrator"
	"image-enhancer/internal/ratelimit"
	"image-enhancer/internal/store"
	"image-enhancer/internal/telemetry"
)

// Server wires HTTP handlers for the enhancement service.
type Server struct {
	cfg     config.Config
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, orch *orchestrator.Orchestrator, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/scan", s.limited(s.handleScan))
		r.Get("/scan/{scanID}", s.handleGetScan)
		r.Post("/enhance", s.limited(s.handleEnhance))
		r.Post("/enhance-batch", s.limited(s.handleEnhanceBatch))
		r.Get("/status/{jobID}", s.handleStatus)
		r.Get("/results", s.handleResults)
		r.Get("/enhanced/{imageID}", s.handleEnhancedFile)
		r.Delete("/clear", s.handleClear)
	})
	return r
}

type scanRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	rec, err := s.orch.Scan(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The scrape itself failed; the remote page is the problem.
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.GetScan(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type enhanceRequest struct {
	ImageID string `json:"image_id"`
	Scale   int    `json:"scale"`
}

type enhanceResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	var req enhanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ImageID == "" {
		writeError(w, http.StatusBadRequest, "image_id is required")
		return
	}

	job, err := s.orch.EnhanceOne(r.Context(), req.ImageID, req.Scale)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidScale) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enhanceResponse{JobID: job.ID})
}

type enhanceBatchRequest struct {
	ScanID string `json:"scan_id"`
	Scale  int    `json:"scale"`
}

type enhanceBatchResponse struct {
	JobIDs []string `json:"job_ids"`
}

func (s *Server) handleEnhanceBatch(w http.ResponseWriter, r *http.Request) {
	var req enhanceBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ScanID == "" {
		writeError(w, http.StatusBadRequest, "scan_id is required")
		return
	}

	jobIDs, err := s.orch.EnhanceBatch(r.Context(), req.ScanID, req.Scale)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidScale) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enhanceBatchResponse{JobIDs: jobIDs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.Results(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(jobs), "results": jobs})
}

// handleEnhancedFile serves a locally stored enhanced image by image ID.
func (s *Server) handleEnhancedFile(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")
	for _, ext := range []string{".webp", ".jpg", ".jpeg", ".png"} {
		path := filepath.Join(s.cfg.OutputDir, "enhanced_"+imageID+ext)
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
	}
	writeError(w, http.StatusNotFound, "enhanced image not found")
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Clear(r.Context()); err != nil {
		log.Printf("api: clear: %v", err)
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// limited wraps a handler with the per-client token bucket.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next(w, r)
	}
}

// writeStoreError maps persistence errors onto HTTP statuses. Invariant
// violations are programming errors and get logged loudly.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, store.ErrInvalidTransition):
		log.Printf("api: store invariant violation: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
