// Package api is the HTTP surface of the orchestrator: task creation, manual
// sweeps, queue inspection, recent logs, health, metrics and the event relay.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/engine"
	"github.com/neill-k/generic-corp-sub004/internal/logging"
	"github.com/neill-k/generic-corp-sub004/internal/metrics"
	"github.com/neill-k/generic-corp-sub004/internal/queue"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// TaskCreator creates top-level tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, req engine.CreateTaskRequest) (*models.Task, error)
}

// QueueInspector reads a tenant's queue state.
type QueueInspector interface {
	Counts(ctx context.Context, tenantID string) (queue.Counts, error)
	Failed(ctx context.Context, tenantID string, limit int) ([]dispatch.FailedJob, error)
}

// SweepFunc runs one sweep immediately and returns its report.
type SweepFunc func(ctx context.Context) (any, error)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config holds the collaborators of a Server. Nil collaborators disable the
// routes that need them.
type Config struct {
	Tasks   TaskCreator
	Queues  QueueInspector
	Sweeps  map[string]SweepFunc
	Health  map[string]HealthCheck
	Logs    *logging.Manager
	Relay   http.Handler
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Version string
}

// Server represents the HTTP API server
type Server struct {
	tasks   TaskCreator
	queues  QueueInspector
	sweeps  map[string]SweepFunc
	health  map[string]HealthCheck
	logs    *logging.Manager
	relay   http.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	version string
	started time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	s := &Server{
		tasks:   cfg.Tasks,
		queues:  cfg.Queues,
		sweeps:  cfg.Sweeps,
		health:  cfg.Health,
		logs:    cfg.Logs,
		relay:   cfg.Relay,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		version: cfg.Version,
		started: time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetupRoutes sets up HTTP routes
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.relay != nil {
		mux.Handle("GET /ws", s.relay)
	}

	mux.HandleFunc("POST /api/v1/tenants/{tenant}/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/queue", s.handleQueue)
	mux.HandleFunc("POST /api/v1/sweeps/{name}", s.handleSweep)
	mux.HandleFunc("GET /api/v1/logs", s.handleLogs)

	return s.loggingMiddleware(mux)
}

// Handler returns the routes wrapped in HTTP server tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.SetupRoutes(), "gcorp-http-server")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket relay.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// respondError sends an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// parseJSON parses JSON request body, rejecting unknown fields.
func (s *Server) parseJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound), errors.Is(err, dispatch.ErrNoQueueBackend):
		return http.StatusNotFound
	case dispatch.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
