package backend

import (
	"context"
	"fmt"

	"github.com/parxlib/parx/pkg/resource"
)

// Configuration of the allocation backend. Workers are started as parallel
// rank groups inside a pre-existing multi-node allocation, through a
// launcher such as mpiexec or srun.
type AllocationConfig struct {
	// Launcher command prefix. Defaults to mpiexec.
	LauncherCommand []string `mapstructure:"launcher_command"`

	// Command used to start a worker rank.
	WorkerCommand []string `mapstructure:"worker_command"`

	// Total resource units of the allocation. Required.
	TotalUnits int `mapstructure:"total_units"`
}

type allocationBackend struct {
	config AllocationConfig
}

// Create a backend placing workers inside an existing allocation.
func NewAllocation(config AllocationConfig) (Backend, error) {
	if config.TotalUnits <= 0 {
		return nil, fmt.Errorf("allocation backend requires a positive total_units, got %d", config.TotalUnits)
	}
	if len(config.LauncherCommand) == 0 {
		config.LauncherCommand = []string{"mpiexec"}
	}
	if len(config.WorkerCommand) == 0 {
		config.WorkerCommand = []string{"parx-worker"}
	}
	return &allocationBackend{config: config}, nil
}

func (b *allocationBackend) Name() string {
	return "allocation"
}

func (b *allocationBackend) Capacity() int {
	return b.config.TotalUnits
}

func (b *allocationBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	params := resource.Launch(spec.Request)

	argv := append([]string{}, b.config.LauncherCommand...)
	argv = append(argv, params.Args()...)
	argv = append(argv, b.config.WorkerCommand...)
	argv = append(argv, workerArgs(spec)...)

	var env []string
	if len(spec.GPUs) > 0 {
		env = append(env, "PARX_VISIBLE_DEVICES="+joinInts(spec.GPUs))
	}

	return startProcess(spec.Token, spec.Request.WorkDir, env, argv...)
}

func (b *allocationBackend) Close() error {
	return nil
}
