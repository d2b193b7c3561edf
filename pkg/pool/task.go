package pool

import (
	"time"

	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/resource"
	"github.com/parxlib/parx/pkg/utils"
)

// One callable invocation submitted for execution. Immutable after submit.
type Task struct {
	// Pool-unique, monotonically assigned identifier.
	id uint64

	// Serialized callable and arguments, encoded at submission time.
	call   codec.Payload
	args   []byte
	kwargs []byte

	// Resource shape the task requires.
	request resource.Request
	shape   resource.Shape

	// Cache fingerprint. Zero when caching is disabled for this task.
	key utils.Digest

	future      *Future
	submittedAt time.Time
}

// The task identifier.
func (t *Task) ID() uint64 {
	return t.id
}

// The resource request of the task.
func (t *Task) Request() resource.Request {
	return t.request
}

type submitOptions struct {
	request *resource.Request
	kwargs  map[string]any
	noCache bool
}

// An option modifying a single submission.
type SubmitOption func(*submitOptions)

// Override the pool's default resource request for this task.
func WithRequest(request resource.Request) SubmitOption {
	return func(o *submitOptions) {
		o.request = &request
	}
}

// Attach keyword arguments to the call.
func WithKwargs(kwargs map[string]any) SubmitOption {
	return func(o *submitOptions) {
		o.kwargs = kwargs
	}
}

// Skip the result cache for this task, forcing execution.
func WithoutCache() SubmitOption {
	return func(o *submitOptions) {
		o.noCache = true
	}
}
