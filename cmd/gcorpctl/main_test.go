package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]interface{}
}

func fakeServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &rec.Body))
		}
		reqs = append(reqs, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestTaskCreate(t *testing.T) {
	srv, reqs := fakeServer(t, http.StatusCreated, `{"id":"t1","status":"pending"}`)

	out, err := run(t, srv, "task", "create", "--tenant", "acme", "--assignee", "sable", "--prompt", "Draft the plan", "--priority", "5")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "t1"`)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v1/tenants/acme/tasks", req.Path)
	assert.Equal(t, "sable", req.Body["assignee"])
	assert.Equal(t, "Draft the plan", req.Body["prompt"])
	assert.EqualValues(t, 5, req.Body["priority"])
	assert.NotContains(t, req.Body, "context")
}

func TestTaskCreateRequiresFlags(t *testing.T) {
	srv, reqs := fakeServer(t, http.StatusCreated, `{}`)
	_, err := run(t, srv, "task", "create", "--tenant", "acme")
	assert.Error(t, err)
	assert.Empty(t, *reqs)
}

func TestSweepCommands(t *testing.T) {
	srv, reqs := fakeServer(t, http.StatusOK, `{"sweep":"stuck","report":{"reset":1}}`)

	_, err := run(t, srv, "sweep", "stuck")
	require.NoError(t, err)
	_, err = run(t, srv, "sweep", "nudge")
	require.NoError(t, err)

	require.Len(t, *reqs, 2)
	assert.Equal(t, "/api/v1/sweeps/stuck", (*reqs)[0].Path)
	assert.Equal(t, "/api/v1/sweeps/nudge", (*reqs)[1].Path)
	assert.Equal(t, http.MethodPost, (*reqs)[1].Method)
}

func TestQueueCommands(t *testing.T) {
	srv, reqs := fakeServer(t, http.StatusOK, `{"tenant":"acme","counts":{"waiting":1}}`)

	_, err := run(t, srv, "queue", "counts", "acme")
	require.NoError(t, err)
	_, err = run(t, srv, "queue", "failed", "acme", "--limit", "5")
	require.NoError(t, err)

	require.Len(t, *reqs, 2)
	assert.Equal(t, "/api/v1/tenants/acme/queue", (*reqs)[0].Path)
	assert.Equal(t, "failed=0", (*reqs)[0].Query)
	assert.Equal(t, "failed=5", (*reqs)[1].Query)
}

func TestServerErrorSurfaced(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusServiceUnavailable, `{"error":"queue unavailable"}`)

	_, err := run(t, srv, "sweep", "nudge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "queue unavailable")
}
