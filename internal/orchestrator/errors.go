package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Registration-time and run-time sentinel errors.
var (
	// ErrDuplicateActionType is returned when a name is registered twice.
	ErrDuplicateActionType = errors.New("duplicate action type")
	// ErrCyclicDependency is returned when a predecessor edge closes a cycle.
	ErrCyclicDependency = errors.New("cyclic action dependency")
	// ErrUnknownActionType is returned for names absent from the registry.
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrNotFound is returned by record stores for absent items.
	ErrNotFound = errors.New("work item not found")
	// ErrStoreUnavailable marks record store failures that survived the
	// bounded retry budget. It is fatal for the current run.
	ErrStoreUnavailable = errors.New("record store unavailable")
	// ErrPoolDraining is returned by worker pools once Drain has begun.
	ErrPoolDraining = errors.New("worker pool is draining")
)

// HandlerError wraps a failure raised by a handler execution, carrying the
// retryability classification the scheduler's retry policy consults.
type HandlerError struct {
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	retry := "permanent"
	if e.Retryable {
		retry = "retryable"
	}
	return fmt.Sprintf("handler error (%s): %v", retry, e.Err)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *HandlerError) Unwrap() error { return e.Err }

// RetryableError wraps err as a transient handler failure.
func RetryableError(err error) *HandlerError {
	return &HandlerError{Err: err, Retryable: true}
}

// PermanentError wraps err as a failure no retry can fix.
func PermanentError(err error) *HandlerError {
	return &HandlerError{Err: err, Retryable: false}
}

// Retryable classifies a handler failure. Explicit classifications win;
// timeouts count as transient, and unclassified errors default to retryable
// so that flaky fetches get their full attempt budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
