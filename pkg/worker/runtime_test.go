package worker

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"

	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/protocol"
	"github.com/parxlib/parx/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rankMu    sync.Mutex
	seenRanks []int
)

func init() {
	codec.Register("worker.echo", codec.Func(func(ctx *codec.CallContext, args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	}))

	codec.Register("worker.fail", codec.Func(func(ctx *codec.CallContext, args []any, kwargs map[string]any) (any, error) {
		return nil, errors.New("deliberate failure")
	}))

	codec.Register("worker.panic", codec.Func(func(ctx *codec.CallContext, args []any, kwargs map[string]any) (any, error) {
		panic("deliberate panic")
	}))

	codec.Register("worker.rank", codec.Func(func(ctx *codec.CallContext, args []any, kwargs map[string]any) (any, error) {
		rankMu.Lock()
		seenRanks = append(seenRanks, ctx.Rank)
		rankMu.Unlock()
		return []any{args[0], ctx.Cores, ctx.Rank}, nil
	}))

	codec.Register("worker.kwargs", codec.Func(func(ctx *codec.CallContext, args []any, kwargs map[string]any) (any, error) {
		return kwargs, nil
	}))

	codec.Register("worker.init", codec.Func(func(ctx *codec.CallContext, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"session": "initialized"}, nil
	}))
}

// Starts a worker serving one end of a pipe and returns the coordinator's
// side with the hello message already consumed.
func startWorker(t *testing.T, opts Options) (*protocol.Conn, *protocol.Hello, chan error) {
	t.Helper()

	workerEnd, coordinatorEnd := net.Pipe()

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), workerEnd, opts)
	}()

	conn := protocol.NewConn(coordinatorEnd)
	t.Cleanup(func() { conn.Close() })

	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.KindHello, envelope.Kind)
	require.NotNil(t, envelope.Hello)

	return conn, envelope.Hello, served
}

func request(t *testing.T, id uint64, name string, args []any, kwargs map[string]any) *protocol.Envelope {
	t.Helper()

	call, err := codec.EncodeCallable(codec.Ref(name))
	require.NoError(t, err)
	argBytes, err := codec.EncodeArgs(args)
	require.NoError(t, err)
	kwargBytes, err := codec.EncodeKwargs(kwargs)
	require.NoError(t, err)

	return &protocol.Envelope{
		Kind: protocol.KindTaskRequest,
		Request: &protocol.TaskRequest{
			TaskID: id,
			Call:   call,
			Args:   argBytes,
			Kwargs: kwargBytes,
		},
	}
}

func shutdown(t *testing.T, conn *protocol.Conn, served chan error) {
	t.Helper()
	require.NoError(t, conn.WriteEnvelope(&protocol.Envelope{Kind: protocol.KindShutdown}))
	assert.NoError(t, <-served)
}

func TestHello(t *testing.T) {
	conn, hello, served := startWorker(t, Options{
		Token:          "spawn-token",
		Cores:          2,
		ThreadsPerCore: 2,
		GPUs:           []string{"0"},
	})

	assert.Equal(t, protocol.Version, hello.Version)
	assert.Equal(t, "spawn-token", hello.Token)
	assert.NotEmpty(t, hello.WorkerID)
	assert.Equal(t, 2, hello.Cores)
	assert.Equal(t, 2, hello.ThreadsPerCore)
	assert.Equal(t, []string{"0"}, hello.GPUs)

	shutdown(t, conn, served)
}

func TestPingPong(t *testing.T) {
	conn, _, served := startWorker(t, Options{Token: "t"})

	require.NoError(t, conn.WriteEnvelope(&protocol.Envelope{Kind: protocol.KindPing}))
	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.KindPong, envelope.Kind)

	shutdown(t, conn, served)
}

func TestExecute(t *testing.T) {
	conn, _, served := startWorker(t, Options{Token: "t"})

	require.NoError(t, conn.WriteEnvelope(request(t, 1, "worker.echo", []any{"hello"}, nil)))

	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.KindTaskResponse, envelope.Kind)
	require.NotNil(t, envelope.Response)
	assert.Equal(t, uint64(1), envelope.Response.TaskID)
	assert.Equal(t, protocol.StatusOK, envelope.Response.Status)

	value, err := codec.DecodeValue(envelope.Response.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	shutdown(t, conn, served)
}

func TestExecuteError(t *testing.T) {
	conn, _, served := startWorker(t, Options{Token: "t"})

	require.NoError(t, conn.WriteEnvelope(request(t, 2, "worker.fail", nil, nil)))

	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusError, envelope.Response.Status)

	remote := &utils.RemoteError{}
	require.ErrorAs(t, codec.DecodeError(envelope.Response.Payload), &remote)
	assert.Equal(t, "deliberate failure", remote.Message)
	assert.Equal(t, "error", remote.Kind)

	shutdown(t, conn, served)
}

func TestExecutePanic(t *testing.T) {
	conn, _, served := startWorker(t, Options{Token: "t"})

	require.NoError(t, conn.WriteEnvelope(request(t, 3, "worker.panic", nil, nil)))

	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusError, envelope.Response.Status)

	remote := &utils.RemoteError{}
	require.ErrorAs(t, codec.DecodeError(envelope.Response.Payload), &remote)
	assert.Equal(t, "deliberate panic", remote.Message)
	assert.Equal(t, "panic", remote.Kind)

	shutdown(t, conn, served)
}

func TestRankGroupExecution(t *testing.T) {
	rankMu.Lock()
	seenRanks = nil
	rankMu.Unlock()

	conn, _, served := startWorker(t, Options{Token: "t", Cores: 2})

	require.NoError(t, conn.WriteEnvelope(request(t, 4, "worker.rank", []any{"input"}, nil)))

	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, envelope.Response.Status)

	// The rank 0 invocation provides the result.
	value, err := codec.DecodeValue(envelope.Response.Payload)
	require.NoError(t, err)
	assert.Equal(t, []any{"input", 2, 0}, value)

	// The callable ran once per rank.
	rankMu.Lock()
	ranks := append([]int(nil), seenRanks...)
	rankMu.Unlock()
	sort.Ints(ranks)
	assert.Equal(t, []int{0, 1}, ranks)

	shutdown(t, conn, served)
}

func TestInitKwargsMergedIntoTasks(t *testing.T) {
	conn, _, served := startWorker(t, Options{Token: "t", InitRef: "worker.init"})

	require.NoError(t, conn.WriteEnvelope(request(t, 5, "worker.kwargs", nil, map[string]any{"extra": 1})))

	envelope, err := conn.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, envelope.Response.Status)

	value, err := codec.DecodeValue(envelope.Response.Payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"session": "initialized", "extra": 1}, value)

	shutdown(t, conn, served)
}

func TestContextCancellationStopsWorker(t *testing.T) {
	workerEnd, coordinatorEnd := net.Pipe()
	defer coordinatorEnd.Close()

	ctx, cancel := context.WithCancel(context.Background())

	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, workerEnd, Options{Token: "t"})
	}()

	conn := protocol.NewConn(coordinatorEnd)
	_, err := conn.ReadEnvelope()
	require.NoError(t, err)

	cancel()
	assert.NoError(t, <-served)
}
