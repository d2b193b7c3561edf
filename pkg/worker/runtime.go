package worker

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/protocol"
	"github.com/parxlib/parx/pkg/utils"
)

// Options describing the identity and resource grant of a worker process.
type Options struct {
	// Spawn token issued by the backend that launched this worker.
	Token string

	// Worker identity. Assigned randomly when empty.
	WorkerID string

	// Identity of the host machine, if known.
	MachineID string

	// Resource grant of this worker.
	Cores          int
	ThreadsPerCore int
	GPUs           []string

	// Working directory reported to callables.
	WorkDir string

	// Name of a registered callable executed once at startup. Its result
	// must be a kwargs map which is merged into every task executed by
	// this worker.
	InitRef string
}

func (o *Options) normalize() {
	if o.Cores < 1 {
		o.Cores = 1
	}
	if o.ThreadsPerCore < 1 {
		o.ThreadsPerCore = 1
	}
	if o.WorkerID == "" {
		id, _ := uuid.NewRandom()
		o.WorkerID = id.String()
	}
}

// Dial the coordinator and serve tasks until the connection is closed,
// a shutdown message arrives, or the context is cancelled.
func Run(ctx context.Context, address string, opts Options) error {
	raw, err := net.Dial("tcp", address)
	if err != nil {
		return err
	}
	return Serve(ctx, raw, opts)
}

// Serve tasks over an established connection. The worker announces itself
// with a hello message, then processes at most one task request at a time
// until shutdown. Protocol errors terminate the connection immediately.
func Serve(ctx context.Context, raw net.Conn, opts Options) error {
	opts.normalize()

	conn := protocol.NewConn(raw)
	defer conn.Close()

	// Unblock the read loop when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err := conn.WriteEnvelope(&protocol.Envelope{
		Kind: protocol.KindHello,
		Hello: &protocol.Hello{
			Version:        protocol.Version,
			Token:          opts.Token,
			WorkerID:       opts.WorkerID,
			MachineID:      opts.MachineID,
			Cores:          opts.Cores,
			ThreadsPerCore: opts.ThreadsPerCore,
			GPUs:           opts.GPUs,
		},
	})
	if err != nil {
		return err
	}

	initKwargs, err := runInit(opts)
	if err != nil {
		return err
	}

	log.Debugf("worker %s - serving, cores: %d", opts.WorkerID, opts.Cores)

	for {
		envelope, err := conn.ReadEnvelope()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch envelope.Kind {
		case protocol.KindPing:
			if err := conn.WriteEnvelope(&protocol.Envelope{Kind: protocol.KindPong}); err != nil {
				return err
			}

		case protocol.KindShutdown:
			log.Debugf("worker %s - shutdown requested", opts.WorkerID)
			return nil

		case protocol.KindTaskRequest:
			if envelope.Request == nil {
				return fmt.Errorf("%w: task request without body", utils.ErrMalformedFrame)
			}
			response := execute(&opts, envelope.Request, initKwargs)
			if err := conn.WriteEnvelope(&protocol.Envelope{
				Kind:     protocol.KindTaskResponse,
				Response: response,
			}); err != nil {
				return err
			}

		default:
			// Anything else on a worker channel means the peers disagree
			// about the protocol. Fail fast rather than hang.
			return fmt.Errorf("%w: unexpected message kind %d", utils.ErrMalformedFrame, envelope.Kind)
		}
	}
}

func runInit(opts Options) (map[string]any, error) {
	if opts.InitRef == "" {
		return nil, nil
	}

	fn, err := codec.Lookup(opts.InitRef)
	if err != nil {
		return nil, err
	}

	result, err := call(fn, &codec.CallContext{
		Cores:          opts.Cores,
		Rank:           0,
		ThreadsPerCore: opts.ThreadsPerCore,
		GPUs:           opts.GPUs,
		WorkDir:        opts.WorkDir,
	}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("init callable %q failed: %w", opts.InitRef, err)
	}

	if result == nil {
		return nil, nil
	}
	kwargs, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("init callable %q must return a kwargs map, got %T", opts.InitRef, result)
	}
	return kwargs, nil
}
