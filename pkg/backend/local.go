package backend

import (
	"context"
	"runtime"
	"strings"
)

// Configuration of the local subprocess backend.
type LocalConfig struct {
	// Command used to start a worker. Defaults to the parx-worker binary
	// resolved from PATH.
	WorkerCommand []string `mapstructure:"worker_command"`

	// Capacity of the host in resource units. Defaults to the number of
	// logical CPUs. Requests with oversubscription bypass the cap.
	MaxCores int `mapstructure:"max_cores"`
}

type localBackend struct {
	config LocalConfig
}

// Create a backend spawning workers as subprocesses on the current host.
func NewLocal(config LocalConfig) Backend {
	if len(config.WorkerCommand) == 0 {
		config.WorkerCommand = []string{"parx-worker"}
	}
	if config.MaxCores == 0 {
		config.MaxCores = runtime.NumCPU()
	}
	return &localBackend{config: config}
}

func (b *localBackend) Name() string {
	return "local"
}

func (b *localBackend) Capacity() int {
	return b.config.MaxCores
}

func (b *localBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	argv := append([]string{}, b.config.WorkerCommand...)
	argv = append(argv, workerArgs(spec)...)

	var env []string
	if len(spec.GPUs) > 0 {
		env = append(env, "PARX_VISIBLE_DEVICES="+joinInts(spec.GPUs))
	}

	return startProcess(spec.Token, spec.Request.WorkDir, env, argv...)
}

func (b *localBackend) Close() error {
	return nil
}

func (b *localBackend) String() string {
	return "local: " + strings.Join(b.config.WorkerCommand, " ")
}
