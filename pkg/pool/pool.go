package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parxlib/parx/pkg/backend"
	"github.com/parxlib/parx/pkg/cache"
	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/utils"
)

// A process pool executing submitted callables on workers spawned through a
// backend. All mutable scheduling state is owned by a single control loop;
// the public methods communicate with it over channels.
type Pool struct {
	config   Config
	backend  backend.Backend
	cache    cache.Cache
	listener net.Listener

	submitCh   chan *Task
	cancelCh   chan cancelRequest
	helloCh    chan helloEvent
	spawnCh    chan spawnResult
	eventCh    chan workerEvent
	shutdownCh chan struct{}
	loopDone   chan struct{}

	nextID       atomic.Uint64
	closed       atomic.Bool
	shutdownOnce sync.Once
	cleanupOnce  sync.Once

	completed atomic.Uint64
	failed    atomic.Uint64
	cancels   atomic.Uint64

	statsMu sync.Mutex
	gauges  gauges
	roster  []WorkerInfo

	http *httpServer
}

type cancelRequest struct {
	future *Future
	reply  chan bool
}

// Pool statistics.
type Stats struct {
	WorkersStarting int    `json:"workers_starting"`
	WorkersIdle     int    `json:"workers_idle"`
	WorkersBusy     int    `json:"workers_busy"`
	TasksPending    int    `json:"tasks_pending"`
	TasksRunning    int    `json:"tasks_running"`
	TasksCompleted  uint64 `json:"tasks_completed"`
	TasksFailed     uint64 `json:"tasks_failed"`
	TasksCancelled  uint64 `json:"tasks_cancelled"`

	Cache cache.Stats `json:"cache"`
}

type gauges struct {
	starting int
	idle     int
	busy     int
	pending  int
	running  int
}

// A snapshot of one worker, as reported by the status endpoint.
type WorkerInfo struct {
	ID        string `json:"id"`
	MachineID string `json:"machine_id,omitempty"`
	Status    string `json:"status"`
	Shape     string `json:"shape"`
	GPUs      []int  `json:"gpus,omitempty"`
	TaskID    uint64 `json:"task_id,omitempty"`
}

// Create a pool and start its control loop.
func New(config Config) (*Pool, error) {
	config.withDefaults()
	if err := config.DefaultRequest.Validate(); err != nil {
		return nil, err
	}

	poolBackend, err := config.newBackend()
	if err != nil {
		return nil, err
	}

	poolCache, err := config.newCache()
	if err != nil {
		poolBackend.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		poolBackend.Close()
		return nil, err
	}

	p := &Pool{
		config:     config,
		backend:    poolBackend,
		cache:      poolCache,
		listener:   listener,
		submitCh:   make(chan *Task),
		cancelCh:   make(chan cancelRequest),
		helloCh:    make(chan helloEvent),
		spawnCh:    make(chan spawnResult),
		eventCh:    make(chan workerEvent),
		shutdownCh: make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	if config.HTTPAddress != "" {
		p.http, err = newHTTPServer(p, config.HTTPAddress)
		if err != nil {
			listener.Close()
			poolBackend.Close()
			return nil, err
		}
	}

	log.Infof("pool listening on %s, backend %s", listener.Addr(), poolBackend.Name())

	go p.acceptLoop()
	go p.run()

	return p, nil
}

// Address of the listener workers dial.
func (p *Pool) Address() string {
	return p.listener.Addr().String()
}

// Submit a callable for execution and return a future for its result.
//
// The callable and its arguments are encoded on the calling goroutine. An
// encoding failure yields a future that is already failed rather than an
// error, so that callers can treat every accepted submission uniformly.
// Requests which no worker of the configured backend could ever satisfy are
// rejected with ErrResourceUnsatisfiable.
func (p *Pool) Submit(fn codec.Callable, args []any, opts ...SubmitOption) (*Future, error) {
	if p.closed.Load() {
		return nil, utils.ErrExecutorClosed
	}

	options := submitOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	request := p.config.DefaultRequest
	if options.request != nil {
		request = *options.request
	}
	request = request.Normalized()
	if err := request.Validate(); err != nil {
		return nil, err
	}

	if capacity := p.backend.Capacity(); capacity >= 0 && request.Units() > capacity && !request.Oversubscribe {
		return nil, fmt.Errorf("%w: %d units requested, backend capacity is %d",
			utils.ErrResourceUnsatisfiable, request.Units(), capacity)
	}
	if request.GPUs() > p.config.GPUDevices {
		return nil, fmt.Errorf("%w: %d gpu devices requested, %d configured",
			utils.ErrResourceUnsatisfiable, request.GPUs(), p.config.GPUDevices)
	}

	future := newFuture(p)
	task := &Task{
		id:          p.nextID.Add(1),
		request:     request,
		shape:       request.Shape(),
		future:      future,
		submittedAt: time.Now(),
	}
	future.task = task

	call, err := codec.EncodeCallable(fn)
	if err != nil {
		return p.failedSubmission(future, err), nil
	}
	task.call = call

	if task.args, err = codec.EncodeArgs(args); err != nil {
		return p.failedSubmission(future, err), nil
	}
	if task.kwargs, err = codec.EncodeKwargs(options.kwargs); err != nil {
		return p.failedSubmission(future, err), nil
	}

	if p.cache != nil && !options.noCache {
		key, err := codec.Fingerprint(call, args, options.kwargs)
		if err != nil {
			return p.failedSubmission(future, err), nil
		}
		task.key = key

		if data, ok, err := p.cache.Get(key); err == nil && ok {
			value, err := codec.DecodeValue(data)
			if err != nil {
				return p.failedSubmission(future, err), nil
			}
			if future.fulfill(value) {
				p.completed.Add(1)
			}
			return future, nil
		}
	}

	select {
	case p.submitCh <- task:
		return future, nil
	case <-p.loopDone:
		return nil, utils.ErrExecutorClosed
	}
}

// Submit the callable once per input and return the futures in input order.
// The callable receives the input as its single positional argument.
func (p *Pool) Map(fn codec.Callable, inputs []any, opts ...SubmitOption) ([]*Future, error) {
	futures := make([]*Future, 0, len(inputs))
	for _, input := range inputs {
		future, err := p.Submit(fn, []any{input}, opts...)
		if err != nil {
			for _, f := range futures {
				f.Cancel()
			}
			return nil, err
		}
		futures = append(futures, future)
	}
	return futures, nil
}

// Shut the pool down. Pending tasks are cancelled, running tasks get the
// configured grace period to finish, remaining workers are terminated.
// Safe to call more than once; later calls wait for the first to finish.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.closed.Store(true)
		close(p.shutdownCh)
	})

	<-p.loopDone

	p.cleanupOnce.Do(func() {
		if err := p.backend.Close(); err != nil {
			log.Debugf("backend close: %v", err)
		}
		if p.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			p.http.Shutdown(ctx)
		}
	})
}

// Current pool statistics.
func (p *Pool) Statistics() Stats {
	p.statsMu.Lock()
	g := p.gauges
	p.statsMu.Unlock()

	stats := Stats{
		WorkersStarting: g.starting,
		WorkersIdle:     g.idle,
		WorkersBusy:     g.busy,
		TasksPending:    g.pending,
		TasksRunning:    g.running,
		TasksCompleted:  p.completed.Load(),
		TasksFailed:     p.failed.Load(),
		TasksCancelled:  p.cancels.Load(),
	}
	if p.cache != nil {
		stats.Cache = p.cache.Statistics()
	}
	return stats
}

// Current worker roster.
func (p *Pool) Workers() []WorkerInfo {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return append([]WorkerInfo(nil), p.roster...)
}

func (p *Pool) failedSubmission(future *Future, err error) *Future {
	log.Debugf("submission failed: %v", err)
	if future.fail(err) {
		p.failed.Add(1)
	}
	return future
}

func (p *Pool) cancel(f *Future) bool {
	if state := f.State(); state.Terminal() {
		return state == Cancelled
	}

	reply := make(chan bool, 1)
	select {
	case p.cancelCh <- cancelRequest{future: f, reply: reply}:
		return <-reply
	case <-p.loopDone:
		return f.State() == Cancelled
	}
}

func (p *Pool) runSpawn(spec backend.SpawnSpec) {
	process, err := p.backend.Spawn(context.Background(), spec)
	select {
	case p.spawnCh <- spawnResult{token: spec.Token, process: process, err: err}:
	case <-p.loopDone:
		if process != nil {
			process.Kill()
		}
	}
}

func (p *Pool) watchProcess(token string, process backend.Process) {
	err := <-process.Done()
	if err == nil {
		err = fmt.Errorf("%w: worker process exited", utils.ErrWorkerLost)
	} else {
		err = fmt.Errorf("%w: %v", utils.ErrWorkerLost, err)
	}
	select {
	case p.eventCh <- workerEvent{token: token, err: err}:
	case <-p.loopDone:
	}
}

func (p *Pool) publishStats(g gauges, roster []WorkerInfo) {
	p.statsMu.Lock()
	p.gauges = g
	p.roster = roster
	p.statsMu.Unlock()
}
