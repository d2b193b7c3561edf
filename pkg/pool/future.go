package pool

import (
	"context"
	"sync"
)

// State of a future.
type State int

const (
	// The task has been accepted but not yet dispatched to a worker.
	Pending State = iota

	// The task is executing on a worker.
	Running

	// The task completed and its result is available.
	Fulfilled

	// The task failed; the error is available.
	Failed

	// The task was cancelled before producing a result.
	Cancelled
)

// Returns true for the terminal states.
func (s State) Terminal() bool {
	return s == Fulfilled || s == Failed || s == Cancelled
}

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Fulfilled:
		return "fulfilled"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// The caller-visible handle to a task's eventual result.
//
// A future makes exactly one terminal transition. The pool is the only
// writer; callers observe the state through Result, Done and State.
type Future struct {
	pool *Pool
	task *Task

	mu     sync.Mutex
	state  State
	result any
	err    error
	done   chan struct{}
}

func newFuture(pool *Pool) *Future {
	return &Future{
		pool: pool,
		done: make(chan struct{}),
	}
}

// Block until the future is terminal, then return the result or error.
// A cancelled future returns ErrCancelled.
func (f *Future) Result() (any, error) {
	<-f.done
	return f.value()
}

// Like Result, but gives up when the context ends.
func (f *Future) ResultContext(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Closed once the future is terminal.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Current state of the future.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// The error of a failed or cancelled future, nil otherwise.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Request cancellation. Pending tasks are dequeued and never touch a
// worker; for running tasks the assigned worker may be terminated.
// Returns true if the future ended up cancelled.
func (f *Future) Cancel() bool {
	return f.pool.cancel(f)
}

func (f *Future) value() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Engine-side transitions. Illegal transitions are ignored so that racing
// outcomes (e.g. a response arriving for an already cancelled task) can
// never produce a second terminal transition.

func (f *Future) setRunning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Pending {
		f.state = Running
	}
}

func (f *Future) fulfill(result any) bool {
	return f.terminate(Fulfilled, result, nil)
}

func (f *Future) fail(err error) bool {
	return f.terminate(Failed, nil, err)
}

func (f *Future) cancelled(err error) bool {
	return f.terminate(Cancelled, nil, err)
}

func (f *Future) terminate(state State, result any, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return false
	}

	f.state = state
	f.result = result
	f.err = err
	close(f.done)
	return true
}
