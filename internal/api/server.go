package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/submission"
)

// Submitter creates and looks up audits.
type Submitter interface {
	Submit(ctx context.Context, params audit.Params) (audit.Record, error)
	Get(ctx context.Context, id string) (audit.Record, error)
}

// Maintainer runs operator corrections on stuck records.
type Maintainer interface {
	FailStale(ctx context.Context, olderThan time.Duration) (int, error)
	ResetProcessing(ctx context.Context) (int, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Option customizes a Server.
type Option func(*Server)

// WithJobReceiver mounts h at /internal/jobs. Deliveries run a whole audit so
// the route is exempt from the request timeout and the API key.
func WithJobReceiver(h http.Handler) Option {
	return func(s *Server) { s.receiver = h }
}

// WithThrottle wraps submissions in m, typically a per-client rate limiter.
func WithThrottle(m func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.throttle = m }
}

// WithReadiness registers a named readiness check.
func WithReadiness(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// Server wires HTTP handlers to the submission service and maintenance ops.
type Server struct {
	router     chi.Router
	audits     Submitter
	maintainer Maintainer
	cfg        config.Config
	logger     *zap.Logger
	receiver   http.Handler
	throttle   func(http.Handler) http.Handler
	checks     map[string]ReadinessCheck
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	audits Submitter,
	maintainer Maintainer,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		audits:     audits,
		maintainer: maintainer,
		cfg:        cfg,
		logger:     logger,
		checks:     make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if s.receiver != nil {
		r.Mount("/internal/jobs", s.receiver)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1/audits", func(r chi.Router) {
			r.With(s.throttleMiddleware).Post("/", s.submitAudit)
			r.Get("/{id}", s.getAudit)
		})
		if s.maintainer != nil {
			r.Route("/admin/audits", func(r chi.Router) {
				r.Post("/fail-stale", s.failStale)
				r.Post("/reset-processing", s.resetProcessing)
			})
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL               string       `json:"url"`
	Format            audit.Format `json:"format"`
	IncludeScreenshot bool         `json:"includeScreenshot"`
}

type submitResponse struct {
	AuditID string       `json:"auditId"`
	Status  audit.Status `json:"status"`
}

func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	record, err := s.audits.Submit(r.Context(), audit.Params{
		URL:               req.URL,
		Format:            req.Format,
		IncludeScreenshot: req.IncludeScreenshot,
	})
	switch {
	case errors.Is(err, submission.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	case err != nil:
		s.logger.Error("submit audit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit audit")
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{AuditID: record.ID, Status: record.Status})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.audits.Get(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "audit not found")
		return
	}
	if err != nil {
		s.logger.Error("get audit failed", zap.String("audit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) failStale(w http.ResponseWriter, r *http.Request) {
	olderThan := s.cfg.Reaper.Timeout
	if raw := r.URL.Query().Get("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "olderThan must be a positive duration")
			return
		}
		olderThan = d
	}
	n, err := s.maintainer.FailStale(r.Context(), olderThan)
	if err != nil {
		s.logger.Error("fail stale audits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("stale audits failed by operator", zap.Int("affected", n), zap.Duration("older_than", olderThan))
	writeJSON(w, http.StatusOK, map[string]int{"affected": n})
}

func (s *Server) resetProcessing(w http.ResponseWriter, r *http.Request) {
	n, err := s.maintainer.ResetProcessing(r.Context())
	if err != nil {
		s.logger.Error("reset processing audits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("processing audits reset by operator", zap.Int("affected", n))
	writeJSON(w, http.StatusOK, map[string]int{"affected": n})
}

func (s *Server) throttleMiddleware(next http.Handler) http.Handler {
	if s.throttle == nil {
		return next
	}
	return s.throttle(next)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
