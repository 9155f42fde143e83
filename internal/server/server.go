// Package server provides the reporting API over the extraction ledger and serves the
// dashboard build.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/contact-extractor/internal/db"
	"github.com/jonathan/contact-extractor/internal/ledger"
	"github.com/jonathan/contact-extractor/internal/server/middleware"
	"github.com/jonathan/contact-extractor/internal/server/ratelimit"
)

const (
	dateLayout      = "2006-01-02"
	maxListLimit    = 1000
	shutdownTimeout = 30 * time.Second
)

// ReportStore reads the ledger.
type ReportStore interface {
	ListRunSummaries(ctx context.Context, filters db.RunFilters) ([]db.RunSummary, error)
	ListRunEvents(ctx context.Context, runID uuid.UUID) ([]ledger.Event, error)
	Ping(ctx context.Context) error
}

// RunStarter launches extraction runs in the background.
type RunStarter interface {
	Start(ctx context.Context) (uuid.UUID, error)
	Active() (uuid.UUID, bool)
}

// Config holds server configuration. A nil Tokens disables authentication and a zero
// RateLimit disables the default limit.
type Config struct {
	Port            int
	FrontendDir     string
	RateLimit       int
	RateLimitWindow time.Duration
	Tokens          middleware.TokenValidator
	Logger          *slog.Logger
}

// Server is the reporting API.
type Server struct {
	store   ReportStore
	runs    RunStarter
	cfg     Config
	logger  *slog.Logger
	limiter *ratelimit.Limiter
	handler http.Handler

	// runCtx parents runs started over HTTP so they outlive the request.
	runCtx context.Context
}

// New builds the server and its routes.
func New(cfg Config, store ReportStore, runs RunStarter) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		runs:   runs,
		cfg:    cfg,
		logger: logger.With("component", "server"),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			DefaultLimit:    cfg.RateLimit,
			DefaultWindow:   cfg.RateLimitWindow,
			Rules:           ratelimit.DefaultRules(),
			CleanupInterval: 5 * time.Minute,
		}),
		runCtx: context.Background(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /api/runs", s.api(s.handleListRuns))
	mux.Handle("POST /api/runs", s.api(s.handleStartRun))
	mux.Handle("GET /api/runs/active", s.api(s.handleActiveRun))
	mux.Handle("GET /api/runs/{run_id}/logs", s.api(s.handleRunLogs))
	mux.HandleFunc("GET /api/", s.handleAPINotFound)
	if spa := newSPAHandler(cfg.FrontendDir); spa != nil {
		mux.Handle("GET /", spa)
	}

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully. Runs started over HTTP
// inherit ctx.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer s.limiter.Stop()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", httpServer.Addr, "auth", s.cfg.Tokens != nil)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// api wraps an /api handler with token authentication when it is enabled.
func (s *Server) api(h http.HandlerFunc) http.Handler {
	if s.cfg.Tokens == nil {
		return h
	}
	return middleware.AuthMiddleware(s.cfg.Tokens)(h)
}

// handleHealth reports whether the ledger database is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filters, err := parseRunFilters(r)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	runs, err := s.store.ListRunSummaries(r.Context(), filters)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []db.RunSummary{}
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

// handleRunLogs returns the events of a run in order. Unknown runs yield an empty list.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, (&ErrValidation{Field: "run_id", Message: "must be a UUID"}).Error())
		return
	}
	events, err := s.store.ListRunEvents(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to list run events", "run_id", runID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list run events")
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	s.jsonResponse(w, http.StatusOK, events)
}

// handleStartRun triggers an extraction run and returns its id without waiting for it.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runs.Start(s.runCtx)
	if err != nil {
		status := HTTPStatus(err)
		body := map[string]any{"error": err.Error()}
		if active, ok := s.runs.Active(); ok {
			body["run_id"] = active
		}
		s.jsonResponse(w, status, body)
		return
	}
	subject, _ := middleware.GetSubject(r)
	s.logger.Info("run triggered over http", "run_id", runID, "subject", subject)
	s.jsonResponse(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

func (s *Server) handleActiveRun(w http.ResponseWriter, _ *http.Request) {
	runID, ok := s.runs.Active()
	body := map[string]any{"active": ok}
	if ok {
		body["run_id"] = runID
	}
	s.jsonResponse(w, http.StatusOK, body)
}

func (s *Server) handleAPINotFound(w http.ResponseWriter, r *http.Request) {
	s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

// parseRunFilters reads date_from, date_to (YYYY-MM-DD, inclusive) and limit.
func parseRunFilters(r *http.Request) (db.RunFilters, error) {
	var filters db.RunFilters
	q := r.URL.Query()

	parseDate := func(field string) (*time.Time, error) {
		raw := q.Get(field)
		if raw == "" {
			return nil, nil
		}
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, &ErrValidation{Field: field, Message: "must be YYYY-MM-DD"}
		}
		return &d, nil
	}

	var err error
	if filters.DateFrom, err = parseDate("date_from"); err != nil {
		return filters, err
	}
	if filters.DateTo, err = parseDate("date_to"); err != nil {
		return filters, err
	}
	if filters.DateFrom != nil && filters.DateTo != nil && filters.DateTo.Before(*filters.DateFrom) {
		return filters, &ErrValidation{Field: "date_to", Message: "must not be before date_from"}
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return filters, &ErrValidation{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", maxListLimit)}
		}
		filters.Limit = n
	}
	return filters, nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := s.limiter.Allow(clientIP(r), r.Method, r.URL.Path)
		setRateLimitHeaders(w, info)
		if !info.Allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the remote address without its port.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	retryAfter := int(info.RetryAfter.Round(time.Second).Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.logger.Warn("rate limit exceeded", "remote", clientIP(r), "path", r.URL.Path, "limit", info.Limit)
	s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"limit":       info.Limit,
		"retry_after": retryAfter,
	})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
