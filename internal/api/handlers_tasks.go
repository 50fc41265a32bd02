package api

import (
	"net/http"
	"strconv"

	"github.com/neill-k/generic-corp-sub004/internal/engine"
	"github.com/neill-k/generic-corp-sub004/pkg/config"
)

// handleCreateTask creates a top-level task for a tenant
// POST /api/v1/tenants/{tenant}/tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Task service not available")
		return
	}
	tenant := r.PathValue("tenant")
	if !config.ValidTenantID(tenant) {
		s.respondError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}

	var req engine.CreateTaskRequest
	if err := s.parseJSON(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.TenantID = tenant

	task, err := s.tasks.CreateTask(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("create task failed", "tenant", tenant, "assignee", req.Assignee, "error", err)
		}
		s.respondError(w, status, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, task)
}

// handleQueue reports a tenant's queue counts and recently parked jobs
// GET /api/v1/tenants/{tenant}/queue?failed=20
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		s.respondError(w, http.StatusNotImplemented, "Queue inspection is not available with this dispatch backend")
		return
	}
	tenant := r.PathValue("tenant")
	if !config.ValidTenantID(tenant) {
		s.respondError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("failed"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid 'failed' parameter")
			return
		}
		limit = n
	}

	counts, err := s.queues.Counts(r.Context(), tenant)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	response := map[string]interface{}{
		"tenant": tenant,
		"counts": counts,
	}
	if limit > 0 {
		failed, err := s.queues.Failed(r.Context(), tenant, limit)
		if err != nil {
			s.respondError(w, statusFor(err), err.Error())
			return
		}
		response["failed"] = failed
	}

	s.respondJSON(w, http.StatusOK, response)
}
