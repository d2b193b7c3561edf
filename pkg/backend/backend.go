package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/parxlib/parx/pkg/resource"
)

// Everything a backend needs to materialize one worker.
type SpawnSpec struct {
	// Token identifying the spawn. The worker echoes it in its hello
	// message so the coordinator can pair connection and spawn request.
	Token string

	// Address of the coordinator's listener the worker should dial.
	ConnectAddr string

	// Resource shape the worker must hold.
	Request resource.Request

	// GPU device indices bound to the worker.
	GPUs []int

	// Name of a registered init callable the worker runs at startup.
	InitRef string
}

// A handle to a worker materialized by a backend.
type Process interface {
	// The spawn token of the process.
	Token() string

	// Terminate the process. Safe to call more than once.
	Kill() error

	// Closed when the process has terminated. Backends which cannot
	// observe termination close the channel only on Kill.
	Done() <-chan error
}

// A strategy for bringing worker processes into existence.
//
// The three production strategies are local subprocesses, rank groups
// launched inside an existing allocation, and individually submitted queue
// jobs. The inproc strategy runs workers as goroutines and exists for
// development and tests.
type Backend interface {
	// Name of the strategy.
	Name() string

	// Total capacity in resource units. Negative means unbounded.
	Capacity() int

	// Materialize a worker. For asynchronous backends the returned
	// process may connect to the coordinator at an arbitrary later time.
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)

	// Release backend resources. Does not terminate spawned processes.
	Close() error
}

// Command line arguments understood by the worker binary.
func workerArgs(spec SpawnSpec) []string {
	args := []string{
		"--connect", spec.ConnectAddr,
		"--token", spec.Token,
		"--cores", strconv.Itoa(spec.Request.Cores),
		"--threads-per-core", strconv.Itoa(spec.Request.ThreadsPerCore),
	}
	if len(spec.GPUs) > 0 {
		args = append(args, "--gpus", joinInts(spec.GPUs))
	}
	if spec.Request.WorkDir != "" {
		args = append(args, "--cwd", spec.Request.WorkDir)
	}
	if spec.InitRef != "" {
		args = append(args, "--init", spec.InitRef)
	}
	return args
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = strconv.Itoa(value)
	}
	return strings.Join(parts, ",")
}

func deviceStrings(devices []int) []string {
	out := make([]string, len(devices))
	for i, device := range devices {
		out[i] = strconv.Itoa(device)
	}
	return out
}
