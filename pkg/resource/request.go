package resource

import (
	"fmt"
)

// The resource shape a task requires its worker to hold.
type Request struct {
	// Number of cores, i.e. ranks in the worker's rank group.
	Cores int `mapstructure:"cores"`

	// Number of threads per core.
	ThreadsPerCore int `mapstructure:"threads_per_core"`

	// Number of GPU devices per core.
	GPUsPerCore int `mapstructure:"gpus_per_core"`

	// Working directory for the worker process. Empty means inherited.
	WorkDir string `mapstructure:"cwd"`

	// Allow resource units and GPU devices to be shared between workers.
	Oversubscribe bool `mapstructure:"oversubscribe"`

	// Additional arguments appended to the scheduler command line.
	SchedulerArgs []string `mapstructure:"scheduler_args"`
}

// The default single core request.
func DefaultRequest() Request {
	return Request{Cores: 1, ThreadsPerCore: 1}
}

// Returns a copy with unset fields replaced by their defaults.
func (r Request) Normalized() Request {
	if r.Cores == 0 {
		r.Cores = 1
	}
	if r.ThreadsPerCore == 0 {
		r.ThreadsPerCore = 1
	}
	return r
}

// Validate the request shape. Called at submission time so that invalid
// requests fail before any worker is touched.
func (r Request) Validate() error {
	if r.Cores < 1 {
		return fmt.Errorf("invalid resource request: cores must be at least 1, got %d", r.Cores)
	}
	if r.ThreadsPerCore < 1 {
		return fmt.Errorf("invalid resource request: threads per core must be at least 1, got %d", r.ThreadsPerCore)
	}
	if r.GPUsPerCore < 0 {
		return fmt.Errorf("invalid resource request: gpus per core must not be negative, got %d", r.GPUsPerCore)
	}
	return nil
}

// Number of resource units consumed by a worker holding this shape.
func (r Request) Units() int {
	return r.Cores * r.ThreadsPerCore
}

// Total number of GPU devices consumed by a worker holding this shape.
func (r Request) GPUs() int {
	return r.Cores * r.GPUsPerCore
}

// The comparable placement shape of a request. Requests with equal shapes
// can share a worker; working directory is part of the shape since a worker's
// directory is fixed for its lifetime.
type Shape struct {
	Cores          int
	ThreadsPerCore int
	GPUsPerCore    int
	WorkDir        string
}

func (r Request) Shape() Shape {
	return Shape{
		Cores:          r.Cores,
		ThreadsPerCore: r.ThreadsPerCore,
		GPUsPerCore:    r.GPUsPerCore,
		WorkDir:        r.WorkDir,
	}
}

func (s Shape) String() string {
	return fmt.Sprintf("cores=%d threads=%d gpus=%d", s.Cores, s.ThreadsPerCore, s.GPUsPerCore)
}
