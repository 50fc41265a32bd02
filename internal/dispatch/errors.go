package dispatch

import (
	"errors"
	"fmt"
)

// ErrNoQueueBackend is returned when a tenant has no resolvable queue.
var ErrNoQueueBackend = errors.New("no queue backend for tenant")

// InfraError wraps a failure of the queue substrate. Callers retry it or
// surface it as a 5xx; it is never dropped.
type InfraError struct {
	Op       string
	TenantID string
	Err      error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s for tenant %s: %v", e.Op, e.TenantID, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// Retryable reports that the operation may succeed if attempted again.
func (e *InfraError) Retryable() bool { return true }

// IsRetryable reports whether err (or anything it wraps) is retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
