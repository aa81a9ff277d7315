// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediascope/crawler/internal/config"
	"github.com/mediascope/crawler/internal/media"
	"github.com/mediascope/crawler/internal/metrics"
	"github.com/mediascope/crawler/internal/scheduler"
)

// Server wires HTTP handlers to the crawl scheduler.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Post("/geo", s.submitGeoCrawl)
			r.Get("/active", s.activeCrawls)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.crawlStatus)
				r.Post("/stop", s.stopCrawl)
				r.Post("/kill", s.killCrawl)
				r.Delete("/", s.deleteCrawl)
			})
		})
		r.Post("/collections/{collection}/finished", s.crawlFinished)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitCrawlRequest struct {
	Collection string   `json:"collection"`
	Keywords   []string `json:"keywords"`
	IsNew      *bool    `json:"is_new"`
}

type submitGeoCrawlRequest struct {
	Collection string            `json:"collection"`
	BBox       media.BoundingBox `json:"bbox"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req submitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Collection == "" {
		s.writeError(w, http.StatusBadRequest, "collection is required")
		return
	}
	if len(req.Keywords) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one keyword required")
		return
	}
	isNew := true
	if req.IsNew != nil {
		isNew = *req.IsNew
	}
	job, err := s.scheduler.Submit(r.Context(), isNew, req.Collection, req.Keywords)
	if err != nil {
		if errors.Is(err, media.ErrConflict) {
			s.writeError(w, http.StatusConflict,
				fmt.Sprintf("collection %q already exists", req.Collection))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) submitGeoCrawl(w http.ResponseWriter, r *http.Request) {
	var req submitGeoCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Collection == "" {
		s.writeError(w, http.StatusBadRequest, "collection is required")
		return
	}
	if req.BBox.IsZero() {
		s.writeError(w, http.StatusBadRequest, "bounding box is required")
		return
	}
	job, err := s.scheduler.SubmitGeo(r.Context(), req.Collection, req.BBox)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.scheduler.Stop)
}

func (s *Server) killCrawl(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.scheduler.Kill)
}

func (s *Server) deleteCrawl(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.scheduler.Delete)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request,
	op func(context.Context, string) (media.CrawlJob, error)) {
	jobID := chi.URLParam(r, "job_id")
	job, err := op(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	status, err := s.scheduler.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) activeCrawls(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.scheduler.ActiveCrawls(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"crawls": statuses})
}

// crawlFinished is the completion webhook external crawl processes call once
// a collection's crawl has wound down.
func (s *Server) crawlFinished(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := s.scheduler.OnCrawlFinished(r.Context(), collection); err != nil {
		if errors.Is(err, media.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no active crawl for collection")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"collection": collection, "status": "settled"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.ObserveHTTPRequest(r.Method, route, strconv.Itoa(ww.status), elapsed)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
