package pool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/parxlib/parx/pkg/backend"
	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/protocol"
	"github.com/parxlib/parx/pkg/resource"
	"github.com/parxlib/parx/pkg/utils"
)

type workerStatus int

const (
	// Spawned, waiting for the worker to connect and say hello.
	workerStarting workerStatus = iota

	// Connected and available for dispatch.
	workerIdle

	// Executing a task.
	workerBusy
)

func (s workerStatus) String() string {
	switch s {
	case workerStarting:
		return "starting"
	case workerIdle:
		return "idle"
	case workerBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// The control loop's view of one worker. Owned exclusively by the loop.
type workerState struct {
	token     string
	id        string
	machineID string

	shape resource.Shape
	units int
	gpus  []int

	process backend.Process
	conn    *protocol.Conn
	out     chan *protocol.Envelope

	status    workerStatus
	idleSince time.Time
	task      *Task

	lastPong    time.Time
	pingPending bool
}

type spawnResult struct {
	token   string
	process backend.Process
	err     error
}

// A message or failure delivered by a worker's connection or process.
type workerEvent struct {
	token    string
	envelope *protocol.Envelope
	err      error
}

type helloEvent struct {
	conn  *protocol.Conn
	hello *protocol.Hello
}

// The single-threaded scheduling engine behind a pool. All fields are
// mutated from the control loop only.
type manager struct {
	pool *Pool

	pending *utils.PriorityQueue[*Task]
	workers map[string]*workerState
	idle    *utils.PriorityQueue[*workerState]

	// Coalescing of identical submissions: one in-flight leader per key,
	// the rest waiting for the leader's outcome.
	inflight  map[utils.Digest]*Task
	followers map[utils.Digest][]*Task

	allocation *resource.Allocation
	binder     *resource.DeviceBinder

	draining bool
}

func (p *Pool) run() {
	m := &manager{
		pool: p,
		pending: utils.NewPriorityQueue(
			func(a, b *Task) int { return int(a.id) - int(b.id) },
			func(a, b *Task) bool { return a == b },
		),
		workers: map[string]*workerState{},
		idle: utils.NewPriorityQueue(
			func(a, b *workerState) int { return a.idleSince.Compare(b.idleSince) },
			func(a, b *workerState) bool { return a == b },
		),
		inflight:   map[utils.Digest]*Task{},
		followers:  map[utils.Digest][]*Task{},
		allocation: resource.NewAllocation(p.backend.Capacity()),
		binder:     resource.NewDeviceBinder(p.config.GPUDevices),
	}
	m.loop()
}

func (m *manager) loop() {
	p := m.pool

	defer close(p.loopDone)
	defer m.teardown()

	ticker := time.NewTicker(p.config.PingInterval)
	defer ticker.Stop()

	shutdownCh := p.shutdownCh
	var grace <-chan time.Time

	for {
		select {
		case task := <-p.submitCh:
			m.enqueue(task)

		case request := <-p.cancelCh:
			request.reply <- m.cancelTask(request.future.task)

		case hello := <-p.helloCh:
			m.handleHello(hello)

		case result := <-p.spawnCh:
			m.handleSpawned(result)

		case event := <-p.eventCh:
			m.handleEvent(event)

		case <-ticker.C:
			m.pingIdle()

		case <-shutdownCh:
			m.draining = true
			m.cancelPending()
			grace = time.After(p.config.ShutdownGrace)
			shutdownCh = nil

		case <-grace:
			log.Infof("shutdown grace expired, terminating %d busy workers", m.busyCount())
			m.abortRunning()
		}

		m.dispatch()
		m.publish()

		if m.draining && m.busyCount() == 0 {
			return
		}
	}
}

// Accept a new task into the scheduling state. Identical tasks already in
// flight are joined instead of queued a second time.
func (m *manager) enqueue(task *Task) {
	if m.draining {
		m.resolveCancelled(task, utils.ErrExecutorClosed)
		return
	}

	if !task.key.IsZero() {
		if _, busy := m.inflight[task.key]; busy {
			m.followers[task.key] = append(m.followers[task.key], task)
			log.Tracef("task %d joins in-flight key %s", task.id, task.key)
			return
		}
		m.inflight[task.key] = task
	}

	m.pending.Push(task)
}

// Try to place every pending task, longest waiting first. A task runs on an
// idle worker of exactly its shape; otherwise a worker spawn is considered.
func (m *manager) dispatch() {
	if m.draining {
		return
	}

	tasks := append([]*Task(nil), m.pending.Items()...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })

	for _, task := range tasks {
		if worker := m.matchIdle(task.shape); worker != nil {
			m.pending.Remove(task)
			m.assign(worker, task)
			continue
		}
		m.maybeSpawn(task)
	}
}

// The longest idle worker matching the shape, or nil.
func (m *manager) matchIdle(shape resource.Shape) *workerState {
	var best *workerState
	for _, worker := range m.idle.Items() {
		if worker.shape != shape {
			continue
		}
		if best == nil || worker.idleSince.Before(best.idleSince) {
			best = worker
		}
	}
	return best
}

func (m *manager) assign(worker *workerState, task *Task) {
	m.idle.Remove(worker)
	worker.status = workerBusy
	worker.task = task
	worker.pingPending = false

	ok := m.send(worker, &protocol.Envelope{
		Kind: protocol.KindTaskRequest,
		Request: &protocol.TaskRequest{
			TaskID: task.id,
			Call:   task.call,
			Args:   task.args,
			Kwargs: task.kwargs,
		},
	})
	if !ok {
		// Worker was torn down; the task went back through the failure path.
		return
	}

	task.future.setRunning()
	log.Debugf("task %d dispatched to worker %s", task.id, worker.token)
}

// Spawn a worker for the task's shape unless enough are already on the way.
// When the allocation is exhausted, an idle worker of another shape may be
// retired to free capacity.
func (m *manager) maybeSpawn(task *Task) {
	if m.startingCount(task.shape) >= m.queuedCount(task.shape) {
		return
	}

	units := task.request.Units()
	if task.request.Oversubscribe {
		units = 0
	}

	if err := m.allocation.Acquire(units); err != nil {
		if !m.reclaim(task.shape) {
			return
		}
		if err := m.allocation.Acquire(units); err != nil {
			return
		}
	}

	gpus, err := m.binder.Acquire(task.request.GPUs(), task.request.Oversubscribe)
	if err != nil {
		if !m.reclaim(task.shape) {
			m.allocation.Release(units)
			return
		}
		gpus, err = m.binder.Acquire(task.request.GPUs(), task.request.Oversubscribe)
		if err != nil {
			m.allocation.Release(units)
			return
		}
	}

	token := uuid.NewString()
	worker := &workerState{
		token:  token,
		shape:  task.shape,
		units:  units,
		gpus:   gpus,
		status: workerStarting,
	}
	m.workers[token] = worker

	log.Debugf("spawning %s worker %s for shape %s", m.pool.backend.Name(), token, task.shape)

	go m.pool.runSpawn(backend.SpawnSpec{
		Token:       token,
		ConnectAddr: m.pool.Address(),
		Request:     task.request,
		GPUs:        gpus,
		InitRef:     m.pool.config.InitRef,
	})
}

// Retire the longest idle worker of a different shape so that its units can
// serve queued work of the given shape. Reports whether a worker was
// retired, allowing the caller to retry its acquisition right away.
func (m *manager) reclaim(shape resource.Shape) bool {
	worker, ok := m.idle.Peek()
	if !ok || worker.shape == shape {
		return false
	}
	log.Debugf("retiring idle worker %s to make room for shape %s", worker.token, shape)
	m.removeWorker(worker, nil)
	return true
}

func (m *manager) handleSpawned(result spawnResult) {
	worker, ok := m.workers[result.token]
	if !ok {
		if result.process != nil {
			result.process.Kill()
		}
		return
	}

	if result.err != nil {
		log.Errorf("spawn of worker %s failed: %v", result.token, result.err)
		m.removeWorker(worker, nil)
		m.failShape(worker.shape, fmt.Errorf("worker spawn failed: %w", result.err))
		return
	}

	worker.process = result.process
	go m.pool.watchProcess(result.token, result.process)
}

func (m *manager) handleHello(event helloEvent) {
	hello := event.hello

	worker, ok := m.workers[hello.Token]
	if !ok || worker.conn != nil {
		log.Debugf("hello with unexpected token %s from %s", hello.Token, event.conn.RemoteAddr())
		event.conn.Close()
		return
	}

	if hello.Version != protocol.Version {
		log.Errorf("worker %s speaks protocol version %d, want %d", hello.Token, hello.Version, protocol.Version)
		event.conn.Close()
		m.removeWorker(worker, nil)
		m.failShape(worker.shape, fmt.Errorf("%w: worker version %d", utils.ErrProtocolVersion, hello.Version))
		return
	}

	worker.conn = event.conn
	worker.id = hello.WorkerID
	worker.machineID = hello.MachineID
	worker.out = make(chan *protocol.Envelope, 16)
	worker.status = workerIdle
	worker.idleSince = time.Now()
	worker.lastPong = time.Now()
	m.idle.Push(worker)

	go m.pool.readLoop(worker.token, event.conn)
	go m.pool.writeLoop(event.conn, worker.out)

	log.Infof("worker %s connected from %s, shape %s", worker.id, event.conn.RemoteAddr(), worker.shape)

	if m.draining {
		m.removeWorker(worker, nil)
	}
}

func (m *manager) handleEvent(event workerEvent) {
	worker, ok := m.workers[event.token]
	if !ok {
		return
	}

	if event.err != nil {
		log.Debugf("worker %s lost: %v", event.token, event.err)
		m.removeWorker(worker, event.err)
		return
	}

	switch event.envelope.Kind {
	case protocol.KindPong:
		worker.pingPending = false
		worker.lastPong = time.Now()

	case protocol.KindTaskResponse:
		if event.envelope.Response == nil {
			m.removeWorker(worker, utils.ErrMalformedFrame)
			return
		}
		m.handleResponse(worker, event.envelope.Response)

	default:
		log.Debugf("unexpected %d message from worker %s", event.envelope.Kind, event.token)
		m.removeWorker(worker, utils.ErrMalformedFrame)
	}
}

func (m *manager) handleResponse(worker *workerState, response *protocol.TaskResponse) {
	task := worker.task
	if task == nil || task.id != response.TaskID {
		// Response for a task this worker no longer owns, e.g. after a
		// cancellation race. The worker is healthy again either way.
		log.Tracef("stale response for task %d from worker %s", response.TaskID, worker.token)
	} else {
		m.complete(task, response)
	}

	worker.task = nil
	worker.status = workerIdle
	worker.idleSince = time.Now()
	worker.lastPong = time.Now()
	worker.pingPending = false
	m.idle.Push(worker)

	if m.draining {
		m.removeWorker(worker, nil)
	}
}

func (m *manager) complete(task *Task, response *protocol.TaskResponse) {
	if response.Status == protocol.StatusOK {
		if m.pool.cache != nil && !task.key.IsZero() {
			if err := m.pool.cache.Put(task.key, response.Payload); err != nil {
				log.Errorf("cache write for task %d failed: %v", task.id, err)
			}
		}

		value, err := codec.DecodeValue(response.Payload)
		if err != nil {
			m.resolveFailed(task, err)
			return
		}
		m.resolveFulfilled(task, value)
		return
	}

	m.resolveFailed(task, codec.DecodeError(response.Payload))
}

// Resolve the task and every follower coalesced behind it.
func (m *manager) resolveFulfilled(task *Task, value any) {
	if task.future.fulfill(value) {
		m.pool.completed.Add(1)
	}
	for _, follower := range m.detachFollowers(task) {
		if follower.future.fulfill(value) {
			m.pool.completed.Add(1)
		}
	}
}

func (m *manager) resolveFailed(task *Task, err error) {
	if task.future.fail(err) {
		m.pool.failed.Add(1)
	}
	for _, follower := range m.detachFollowers(task) {
		if follower.future.fail(err) {
			m.pool.failed.Add(1)
		}
	}
}

func (m *manager) resolveCancelled(task *Task, err error) {
	if task.future.cancelled(err) {
		m.pool.cancels.Add(1)
	}

	// While draining there is nothing left to promote a follower into;
	// the whole coalescing group goes down with its leader.
	if m.draining {
		for _, follower := range m.detachFollowers(task) {
			if follower.future.cancelled(err) {
				m.pool.cancels.Add(1)
			}
		}
		return
	}

	m.promote(task)
}

// Detach and return the followers of a leader task, if any.
func (m *manager) detachFollowers(task *Task) []*Task {
	if task.key.IsZero() || m.inflight[task.key] != task {
		return nil
	}
	delete(m.inflight, task.key)
	followers := m.followers[task.key]
	delete(m.followers, task.key)
	return followers
}

// Promote the first follower of a cancelled leader to a pending task of its
// own, so that cancelling one submission never starves identical ones.
func (m *manager) promote(task *Task) {
	if task.key.IsZero() || m.inflight[task.key] != task {
		return
	}
	delete(m.inflight, task.key)

	followers := m.followers[task.key]
	if len(followers) == 0 {
		delete(m.followers, task.key)
		return
	}

	leader := followers[0]
	if len(followers) > 1 {
		m.followers[task.key] = followers[1:]
	} else {
		delete(m.followers, task.key)
	}
	m.inflight[task.key] = leader
	m.pending.Push(leader)
}

func (m *manager) cancelTask(task *Task) bool {
	if task == nil {
		return false
	}
	if state := task.future.State(); state.Terminal() {
		return state == Cancelled
	}

	if m.pending.Contains(task) {
		m.pending.Remove(task)
		m.resolveCancelled(task, utils.ErrCancelled)
		return true
	}

	if !task.key.IsZero() {
		followers := m.followers[task.key]
		for i, follower := range followers {
			if follower != task {
				continue
			}
			m.followers[task.key] = append(followers[:i], followers[i+1:]...)
			if task.future.cancelled(utils.ErrCancelled) {
				m.pool.cancels.Add(1)
			}
			return true
		}
	}

	for _, worker := range m.workers {
		if worker.task != task {
			continue
		}
		// The worker is executing the task; terminating it is the only
		// way to stop the work.
		worker.task = nil
		m.resolveCancelled(task, utils.ErrCancelled)
		m.removeWorker(worker, nil)
		return true
	}

	m.resolveCancelled(task, utils.ErrCancelled)
	return true
}

func (m *manager) cancelPending() {
	for _, task := range append([]*Task(nil), m.pending.Items()...) {
		m.pending.Remove(task)
		m.resolveCancelled(task, utils.ErrExecutorClosed)
	}
	for key, followers := range m.followers {
		remaining := followers[:0]
		for _, follower := range followers {
			leader := m.inflight[key]
			if leader != nil && !leader.future.State().Terminal() {
				// Leader still running, keep waiting for its outcome.
				remaining = append(remaining, follower)
				continue
			}
			if follower.future.cancelled(utils.ErrExecutorClosed) {
				m.pool.cancels.Add(1)
			}
		}
		if len(remaining) == 0 {
			delete(m.followers, key)
		} else {
			m.followers[key] = remaining
		}
	}
}

func (m *manager) abortRunning() {
	for _, worker := range m.workers {
		if worker.status != workerBusy {
			continue
		}
		if task := worker.task; task != nil {
			worker.task = nil
			m.resolveCancelled(task, utils.ErrExecutorClosed)
		}
		m.removeWorker(worker, nil)
	}
}

// Ping idle workers and retire the ones that stopped answering.
func (m *manager) pingIdle() {
	timeout := m.pool.config.PingInterval * time.Duration(m.pool.config.PingTimeoutMultiple)

	for _, worker := range append([]*workerState(nil), m.idle.Items()...) {
		if worker.pingPending && time.Since(worker.lastPong) > timeout {
			log.Errorf("worker %s stopped answering pings", worker.token)
			m.removeWorker(worker, fmt.Errorf("%w: ping timeout", utils.ErrWorkerLost))
			continue
		}
		if !worker.pingPending {
			worker.pingPending = true
			m.send(worker, &protocol.Envelope{Kind: protocol.KindPing})
		}
	}
}

// Queue an envelope for delivery to the worker. A worker whose outbound
// buffer is full is considered stuck and retired.
func (m *manager) send(worker *workerState, envelope *protocol.Envelope) bool {
	select {
	case worker.out <- envelope:
		return true
	default:
		log.Errorf("worker %s is not consuming messages", worker.token)
		m.removeWorker(worker, fmt.Errorf("%w: worker not consuming messages", utils.ErrWorkerLost))
		return false
	}
}

// Remove a worker from the scheduling state, release its resources and
// terminate it. A non-nil reason fails the task it was executing; workers
// are never lost silently while owning work.
func (m *manager) removeWorker(worker *workerState, reason error) {
	if _, ok := m.workers[worker.token]; !ok {
		return
	}
	delete(m.workers, worker.token)
	m.idle.Remove(worker)

	m.allocation.Release(worker.units)
	m.binder.Release(worker.gpus)

	if task := worker.task; task != nil {
		worker.task = nil
		switch {
		case reason == nil:
			reason = utils.ErrWorkerLost
		case !errors.Is(reason, utils.ErrWorkerLost):
			reason = fmt.Errorf("%w: %v", utils.ErrWorkerLost, reason)
		}
		m.resolveFailed(task, reason)
	}

	if worker.out != nil {
		select {
		case worker.out <- &protocol.Envelope{Kind: protocol.KindShutdown}:
		default:
		}
		close(worker.out)
	} else if worker.conn != nil {
		worker.conn.Close()
	}

	if worker.process != nil {
		worker.process.Kill()
	}
}

// Fail every queued task of a shape. Used when workers of the shape cannot
// be brought up at all, so the tasks would otherwise wait forever.
func (m *manager) failShape(shape resource.Shape, err error) {
	for _, task := range append([]*Task(nil), m.pending.Items()...) {
		if task.shape != shape {
			continue
		}
		m.pending.Remove(task)
		m.resolveFailed(task, err)
	}
}

func (m *manager) teardown() {
	m.pool.listener.Close()

	for _, worker := range workerList(m.workers) {
		if task := worker.task; task != nil {
			worker.task = nil
			m.resolveCancelled(task, utils.ErrExecutorClosed)
		}
		m.removeWorker(worker, nil)
	}

	m.cancelPending()
	m.publish()
}

func workerList(workers map[string]*workerState) []*workerState {
	out := make([]*workerState, 0, len(workers))
	for _, worker := range workers {
		out = append(out, worker)
	}
	return out
}

func (m *manager) startingCount(shape resource.Shape) int {
	count := 0
	for _, worker := range m.workers {
		if worker.status == workerStarting && worker.shape == shape {
			count++
		}
	}
	return count
}

func (m *manager) queuedCount(shape resource.Shape) int {
	count := 0
	for _, task := range m.pending.Items() {
		if task.shape == shape {
			count++
		}
	}
	return count
}

func (m *manager) busyCount() int {
	count := 0
	for _, worker := range m.workers {
		if worker.status == workerBusy {
			count++
		}
	}
	return count
}

// Publish a stats and roster snapshot for Statistics and the HTTP surface.
func (m *manager) publish() {
	g := gauges{pending: m.pending.Len()}
	roster := make([]WorkerInfo, 0, len(m.workers))

	for _, worker := range m.workers {
		info := WorkerInfo{
			ID:        worker.id,
			MachineID: worker.machineID,
			Status:    worker.status.String(),
			Shape:     worker.shape.String(),
			GPUs:      worker.gpus,
		}
		switch worker.status {
		case workerStarting:
			g.starting++
		case workerIdle:
			g.idle++
		case workerBusy:
			g.busy++
			g.running++
			if worker.task != nil {
				info.TaskID = worker.task.id
			}
		}
		roster = append(roster, info)
	}

	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	m.pool.publishStats(g, roster)
}
