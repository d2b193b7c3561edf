package utils

import (
	"fmt"
)

var (
	// The executor has been shut down and no longer accepts submissions.
	ErrExecutorClosed = fmt.Errorf("executor is closed")

	// The resource request can never be satisfied by the configured backend.
	ErrResourceUnsatisfiable = fmt.Errorf("resource request exceeds backend capacity")

	// The backend has no free resource units left to spawn a worker.
	ErrCapacityExceeded = fmt.Errorf("allocation capacity exceeded")

	// The worker assigned to a task died or timed out before responding.
	ErrWorkerLost = fmt.Errorf("worker lost")

	// A callable, its arguments or its result could not be encoded or decoded.
	ErrSerialization = fmt.Errorf("serialization error")

	// A frame received on a worker channel could not be parsed.
	ErrMalformedFrame = fmt.Errorf("malformed frame")

	// The peer speaks an incompatible protocol version.
	ErrProtocolVersion = fmt.Errorf("protocol version mismatch")

	// The task was cancelled before it produced a result.
	ErrCancelled = fmt.Errorf("task cancelled")

	// The requested item does not exist.
	ErrNotFound = fmt.Errorf("not found")

	// The future is already in a terminal state.
	ErrTerminalFuture = fmt.Errorf("future is terminal")
)

// An error carrying the description of a failure raised by the remote
// callable itself. The message is transported verbatim through the task
// response so that callers observe the real failure, not a transport error.
type RemoteError struct {
	// Error message produced by the callable.
	Message string

	// Kind of remote failure, e.g. "error" or "panic".
	Kind string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" && e.Kind != "error" {
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("remote error: %s", e.Message)
}
