// Package dispatchtest provides an in-memory Enqueuer for tests.
package dispatchtest

import (
	"context"
	"sync"

	"github.com/neill-k/generic-corp-sub004/internal/dispatch"
)

// Recorder records every enqueue request. Err, when set, is returned from
// every call (the request is still recorded). Hook runs before recording.
type Recorder struct {
	mu    sync.Mutex
	calls []dispatch.EnqueueRequest

	Err  error
	Hook func(dispatch.EnqueueRequest)
}

func (r *Recorder) EnqueueAgentTask(_ context.Context, req dispatch.EnqueueRequest) error {
	if r.Hook != nil {
		r.Hook(req)
	}
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return r.Err
}

// Calls returns a copy of the recorded requests.
func (r *Recorder) Calls() []dispatch.EnqueueRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.EnqueueRequest(nil), r.calls...)
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
