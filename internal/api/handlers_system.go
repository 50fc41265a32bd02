package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"
)

// handleSweep runs a named sweep immediately
// POST /api/v1/sweeps/{name}
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	sweep, ok := s.sweeps[name]
	if !ok {
		s.respondError(w, http.StatusNotFound, "Unknown sweep: "+name)
		return
	}

	start := time.Now()
	report, err := sweep(r.Context())
	if err != nil {
		s.logger.Warn("manual sweep failed", "sweep", name, "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"sweep":  name,
			"report": report,
			"error":  err.Error(),
		})
		return
	}

	s.logger.Info("manual sweep completed", "sweep", name, "duration_ms", time.Since(start).Milliseconds())
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sweep":  name,
		"report": report,
	})
}

// handleLogs returns recent log entries
// GET /api/v1/logs?limit=100&level=error&source=watchdog
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Log buffer not available")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = l
		}
	}
	logs := s.logs.GetRecent(limit, r.URL.Query().Get("level"), r.URL.Query().Get("source"))

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status       string               `json:"status"` // "healthy", "unhealthy"
	Timestamp    time.Time            `json:"timestamp"`
	Uptime       int64                `json:"uptime_seconds"`
	Version      string               `json:"version,omitempty"`
	Dependencies map[string]DepHealth `json:"dependencies"`
}

// DepHealth represents the health of a dependency.
type DepHealth struct {
	Status  string `json:"status"` // "healthy", "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// handleHealth checks every registered dependency
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	status := HealthStatus{
		Status:       "healthy",
		Timestamp:    time.Now().UTC(),
		Uptime:       int64(time.Since(s.started).Seconds()),
		Version:      s.version,
		Dependencies: make(map[string]DepHealth, len(names)),
	}
	for _, name := range names {
		start := time.Now()
		err := s.health[name](ctx)
		dep := DepHealth{Status: "healthy", Latency: time.Since(start).Milliseconds()}
		if err != nil {
			dep.Status = "unhealthy"
			dep.Message = err.Error()
			status.Status = "unhealthy"
		}
		status.Dependencies[name] = dep
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}
