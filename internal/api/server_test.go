package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neill-k/generic-corp-sub004/internal/database"
	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
	"github.com/neill-k/generic-corp-sub004/internal/engine"
	"github.com/neill-k/generic-corp-sub004/internal/logging"
	"github.com/neill-k/generic-corp-sub004/internal/queue"
	"github.com/neill-k/generic-corp-sub004/pkg/messages"
	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

type fakeTasks struct {
	err  error
	reqs []engine.CreateTaskRequest
}

func (f *fakeTasks) CreateTask(_ context.Context, req engine.CreateTaskRequest) (*models.Task, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Task{ID: "task-1", AssigneeID: req.Assignee, Prompt: req.Prompt, Priority: req.Priority, Status: models.TaskStatusPending}, nil
}

type fakeQueues struct {
	counts queue.Counts
	failed []dispatch.FailedJob
	err    error
}

func (f *fakeQueues) Counts(context.Context, string) (queue.Counts, error) {
	return f.counts, f.err
}

func (f *fakeQueues) Failed(_ context.Context, _ string, limit int) ([]dispatch.FailedJob, error) {
	if len(f.failed) > limit {
		return f.failed[:limit], f.err
	}
	return f.failed, f.err
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCreateTaskHandler(t *testing.T) {
	tasks := &fakeTasks{}
	h := NewServer(Config{Tasks: tasks}).SetupRoutes()

	rec, body := do(t, h, http.MethodPost, "/api/v1/tenants/acme/tasks",
		map[string]interface{}{"assignee": "sable", "prompt": "write the report", "priority": 3})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "task-1", body["id"])
	require.Len(t, tasks.reqs, 1)
	assert.Equal(t, "acme", tasks.reqs[0].TenantID)
	assert.Equal(t, "sable", tasks.reqs[0].Assignee)
	assert.Equal(t, 3, tasks.reqs[0].Priority)
}

func TestCreateTaskHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   interface{}
		err    error
		status int
	}{
		{
			name:   "invalid json",
			path:   "/api/v1/tenants/acme/tasks",
			body:   "{not json",
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			path:   "/api/v1/tenants/acme/tasks",
			body:   map[string]string{"assignee": "sable", "prompt": "x", "owner": "me"},
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid tenant",
			path:   "/api/v1/tenants/ACME!/tasks",
			body:   map[string]string{"assignee": "sable", "prompt": "x"},
			status: http.StatusBadRequest,
		},
		{
			name:   "validation",
			path:   "/api/v1/tenants/acme/tasks",
			body:   map[string]string{"assignee": "sable"},
			err:    fmt.Errorf("%w: missing prompt", engine.ErrInvalidRequest),
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown assignee",
			path:   "/api/v1/tenants/acme/tasks",
			body:   map[string]string{"assignee": "ghost", "prompt": "x"},
			err:    fmt.Errorf("assignee %q: %w", "ghost", database.ErrNotFound),
			status: http.StatusNotFound,
		},
		{
			name:   "queue down",
			path:   "/api/v1/tenants/acme/tasks",
			body:   map[string]string{"assignee": "sable", "prompt": "x"},
			err:    &dispatch.InfraError{Op: "enqueue", TenantID: "acme", Err: errors.New("connection refused")},
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "unexpected",
			path:   "/api/v1/tenants/acme/tasks",
			body:   map[string]string{"assignee": "sable", "prompt": "x"},
			err:    errors.New("disk full"),
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServer(Config{Tasks: &fakeTasks{err: tt.err}}).SetupRoutes()
			rec, body := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCreateTaskWrongMethod(t *testing.T) {
	h := NewServer(Config{Tasks: &fakeTasks{}}).SetupRoutes()
	rec, _ := do(t, h, http.MethodGet, "/api/v1/tenants/acme/tasks", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestQueueHandler(t *testing.T) {
	q := &fakeQueues{
		counts: queue.Counts{Waiting: 2, Delayed: 1, Failed: 2},
		failed: []dispatch.FailedJob{
			{JobID: "j2", Job: messages.AgentTaskJob{TenantID: "acme", AgentName: "sable", TaskID: "t2"}, AttemptsMade: 3, Reason: "boom"},
			{JobID: "j1", Job: messages.AgentTaskJob{TenantID: "acme", AgentName: "sable", TaskID: "t1"}, AttemptsMade: 3, Reason: "boom"},
		},
	}
	h := NewServer(Config{Queues: q}).SetupRoutes()

	rec, body := do(t, h, http.MethodGet, "/api/v1/tenants/acme/queue?failed=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := body["counts"].(map[string]interface{})
	assert.EqualValues(t, 2, counts["waiting"])
	assert.EqualValues(t, 1, counts["delayed"])
	failed := body["failed"].([]interface{})
	require.Len(t, failed, 1)
	assert.Equal(t, "j2", failed[0].(map[string]interface{})["jobId"])

	rec, _ = do(t, h, http.MethodGet, "/api/v1/tenants/acme/queue?failed=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueHandlerUnknownTenant(t *testing.T) {
	h := NewServer(Config{Queues: &fakeQueues{err: fmt.Errorf("tenant nope: %w", dispatch.ErrNoQueueBackend)}}).SetupRoutes()
	rec, _ := do(t, h, http.MethodGet, "/api/v1/tenants/nope/queue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueHandlerWithoutQueues(t *testing.T) {
	h := NewServer(Config{}).SetupRoutes()
	rec, _ := do(t, h, http.MethodGet, "/api/v1/tenants/acme/queue", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestSweepHandler(t *testing.T) {
	runs := 0
	h := NewServer(Config{Sweeps: map[string]SweepFunc{
		"stuck": func(context.Context) (any, error) {
			runs++
			return map[string]int{"checked": 2, "reset": 1}, nil
		},
		"nudge": func(context.Context) (any, error) {
			return map[string]int{"errors": 1}, errors.New("tenant beta: redis down")
		},
	}}).SetupRoutes()

	rec, body := do(t, h, http.MethodPost, "/api/v1/sweeps/stuck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, runs)
	assert.Equal(t, "stuck", body["sweep"])
	assert.EqualValues(t, 1, body["report"].(map[string]interface{})["reset"])

	rec, body = do(t, h, http.MethodPost, "/api/v1/sweeps/nudge", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "redis down")
	assert.NotNil(t, body["report"])

	rec, _ = do(t, h, http.MethodPost, "/api/v1/sweeps/compact", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsHandler(t *testing.T) {
	m := logging.NewManager(10)
	base := logging.New(m, logging.Options{Level: "info"})
	logging.Component(base, "watchdog").Warn("reset stuck agent")
	logging.Component(base, "nudger").Info("nudged agent")

	h := NewServer(Config{Logs: m}).SetupRoutes()

	rec, body := do(t, h, http.MethodGet, "/api/v1/logs?source=watchdog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	entry := body["logs"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "reset stuck agent", entry["message"])

	rec, body = do(t, h, http.MethodGet, "/api/v1/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestHealthHandler(t *testing.T) {
	healthy := NewServer(Config{Version: "1.2.3", Health: map[string]HealthCheck{
		"redis": func(context.Context) error { return nil },
	}}).SetupRoutes()

	rec, body := do(t, healthy, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	sick := NewServer(Config{Health: map[string]HealthCheck{
		"redis":    func(context.Context) error { return nil },
		"database": func(context.Context) error { return errors.New("no such host") },
	}}).SetupRoutes()

	rec, body = do(t, sick, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "healthy", deps["redis"].(map[string]interface{})["status"])
	db := deps["database"].(map[string]interface{})
	assert.Equal(t, "unhealthy", db["status"])
	assert.Equal(t, "no such host", db["message"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewServer(Config{}).SetupRoutes()
	rec, _ := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandlerServesOverHTTP(t *testing.T) {
	srv := httptest.NewServer(NewServer(Config{}).Handler())
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
