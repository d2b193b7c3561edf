package main

import (
	"fmt"

	"github.com/parxlib/parx/pkg/utils"
	"github.com/spf13/viper"
)

type WorkerConfig struct {
	// Address of the coordinator's listener.
	Connect string `mapstructure:"connect"`

	// Spawn token issued by the coordinator.
	Token string `mapstructure:"token"`

	// Resource grant of this worker.
	Cores          int      `mapstructure:"cores"`
	ThreadsPerCore int      `mapstructure:"threads_per_core"`
	GPUs           []string `mapstructure:"gpus"`

	// Working directory for task execution.
	WorkDir string `mapstructure:"cwd"`

	// Name of a registered callable to run before accepting tasks.
	InitRef string `mapstructure:"init"`
}

func LoadConfig() (*WorkerConfig, error) {
	config := &WorkerConfig{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *WorkerConfig) Validate() error {
	if c.Connect == "" {
		return fmt.Errorf("no coordinator address to connect to")
	}
	if c.Token == "" {
		return fmt.Errorf("no spawn token")
	}
	return nil
}
