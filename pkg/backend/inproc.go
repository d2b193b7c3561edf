package backend

import (
	"context"
	"runtime"
	"sync"

	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/worker"
)

// Configuration of the in-process backend.
type InprocConfig struct {
	// Capacity in resource units. Defaults to the number of logical CPUs.
	MaxCores int `mapstructure:"max_cores"`
}

// Workers run as goroutines inside the coordinator process, speaking the
// regular wire protocol over a loopback connection. Intended for
// development and tests; no callable ever leaves the process.
type inprocBackend struct {
	config InprocConfig

	mu      sync.Mutex
	workers map[string]*inprocWorker
}

func NewInproc(config InprocConfig) Backend {
	if config.MaxCores == 0 {
		config.MaxCores = runtime.NumCPU()
	}
	return &inprocBackend{
		config:  config,
		workers: map[string]*inprocWorker{},
	}
}

func (b *inprocBackend) Name() string {
	return "inproc"
}

func (b *inprocBackend) Capacity() int {
	return b.config.MaxCores
}

func (b *inprocBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	workerCtx, cancel := context.WithCancel(context.Background())

	process := &inprocWorker{
		token:  spec.Token,
		ctx:    workerCtx,
		cancel: cancel,
		done:   make(chan error, 1),
	}

	b.mu.Lock()
	b.workers[spec.Token] = process
	b.mu.Unlock()

	go func() {
		err := worker.Run(workerCtx, spec.ConnectAddr, worker.Options{
			Token:          spec.Token,
			Cores:          spec.Request.Cores,
			ThreadsPerCore: spec.Request.ThreadsPerCore,
			GPUs:           deviceStrings(spec.GPUs),
			WorkDir:        spec.Request.WorkDir,
			InitRef:        spec.InitRef,
		})
		if err != nil && workerCtx.Err() == nil {
			log.Debugf("inproc worker %s: %v", spec.Token, err)
			process.done <- err
		}
		close(process.done)

		b.mu.Lock()
		delete(b.workers, spec.Token)
		b.mu.Unlock()
	}()

	return process, nil
}

func (b *inprocBackend) Close() error {
	b.mu.Lock()
	workers := make([]*inprocWorker, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.done:
		case <-w.ctx.Done():
			// Killed. The goroutine may still be parked inside the
			// callable; it unwinds on its own once the callable returns
			// and must not hold up shutdown.
		}
	}
	return nil
}

type inprocWorker struct {
	token  string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

func (w *inprocWorker) Token() string {
	return w.token
}

func (w *inprocWorker) Kill() error {
	w.cancel()
	return nil
}

func (w *inprocWorker) Done() <-chan error {
	return w.done
}
