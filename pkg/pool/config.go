package pool

import (
	"fmt"
	"time"

	"github.com/parxlib/parx/pkg/backend"
	"github.com/parxlib/parx/pkg/cache"
	"github.com/parxlib/parx/pkg/resource"
	"github.com/parxlib/parx/pkg/utils"
	"github.com/spf13/afero"
)

// Pool configuration.
type Config struct {
	// Backend strategy: local, allocation, submission or inproc.
	Backend string `mapstructure:"backend"`

	// Resource request applied to submissions without an explicit one.
	DefaultRequest resource.Request `mapstructure:"default_request"`

	// Enable the content-addressed result cache.
	CacheEnabled bool `mapstructure:"cache_enabled"`

	// Directory holding the cache. An in-memory cache is used when
	// caching is enabled without a directory.
	CacheDirectory string `mapstructure:"cache_directory"`

	// Number of GPU devices available for binding.
	GPUDevices int `mapstructure:"gpu_devices"`

	// Address of the listener workers dial. Defaults to an ephemeral
	// port on the loopback interface.
	ListenAddress string `mapstructure:"listen_address"`

	// Serve pool status and metrics over HTTP when set.
	HTTPAddress string `mapstructure:"http_address"`

	// Interval between liveness pings to idle workers.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// An idle worker missing pongs for interval times multiple is dead.
	PingTimeoutMultiple int `mapstructure:"ping_timeout_multiple"`

	// How long running tasks may finish during shutdown before their
	// workers are killed.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// Name of a registered callable every worker runs at startup. Its
	// kwargs map result is merged into every task on that worker.
	InitRef string `mapstructure:"init"`

	// Per-backend settings.
	Local      backend.LocalConfig      `mapstructure:"local"`
	Allocation backend.AllocationConfig `mapstructure:"allocation"`
	Submission backend.SubmissionConfig `mapstructure:"submission"`
	Inproc     backend.InprocConfig     `mapstructure:"inproc"`

	// Injected collaborators, overriding the settings above.
	// Mostly useful for tests.
	CustomBackend backend.Backend `mapstructure:"-"`
	CustomCache   cache.Cache     `mapstructure:"-"`
}

// Decode a plain option map into a configuration.
// Unrecognized options are an error.
func ConfigFromMap(options map[string]any) (Config, error) {
	config := Config{}
	if err := utils.DecodeOptions(options, &config); err != nil {
		return Config{}, fmt.Errorf("invalid executor options: %w", err)
	}
	return config, nil
}

func (c *Config) withDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	c.DefaultRequest = c.DefaultRequest.Normalized()
	if c.ListenAddress == "" {
		c.ListenAddress = "127.0.0.1:0"
	}
	if c.PingInterval == 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PingTimeoutMultiple == 0 {
		c.PingTimeoutMultiple = 3
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

func (c *Config) newBackend() (backend.Backend, error) {
	if c.CustomBackend != nil {
		return c.CustomBackend, nil
	}

	switch c.Backend {
	case "local":
		return backend.NewLocal(c.Local), nil
	case "allocation":
		return backend.NewAllocation(c.Allocation)
	case "submission":
		return backend.NewSubmission(c.Submission)
	case "inproc":
		return backend.NewInproc(c.Inproc), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", c.Backend)
	}
}

func (c *Config) newCache() (cache.Cache, error) {
	if c.CustomCache != nil {
		return c.CustomCache, nil
	}
	if !c.CacheEnabled {
		return nil, nil
	}
	if c.CacheDirectory == "" {
		return cache.NewFsCache(afero.NewMemMapFs())
	}
	return cache.NewDirCache(c.CacheDirectory)
}
