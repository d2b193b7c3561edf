package worker

import (
	"fmt"

	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%v", e.value)
}

// Decode and execute a task request, producing its response.
// Failures never propagate past this point: decode errors, callable errors
// and panics all turn into error responses carrying the failure description.
func execute(opts *Options, request *protocol.TaskRequest, initKwargs map[string]any) *protocol.TaskResponse {
	fail := func(err error, kind string) *protocol.TaskResponse {
		log.Debugf("worker %s - task %d failed: %v", opts.WorkerID, request.TaskID, err)
		return &protocol.TaskResponse{
			TaskID:  request.TaskID,
			Status:  protocol.StatusError,
			Payload: codec.EncodeError(err, kind),
		}
	}

	fn, err := codec.DecodeCallable(request.Call)
	if err != nil {
		return fail(err, "serialization")
	}

	args, err := codec.DecodeArgs(request.Args)
	if err != nil {
		return fail(err, "serialization")
	}

	kwargs, err := codec.DecodeKwargs(request.Kwargs)
	if err != nil {
		return fail(err, "serialization")
	}

	kwargs = mergeKwargs(initKwargs, kwargs)

	result, err := runGroup(opts, fn, args, kwargs)
	if err != nil {
		if panicked, ok := err.(*panicError); ok {
			return fail(panicked, "panic")
		}
		return fail(err, "error")
	}

	payload, err := codec.EncodeValue(result)
	if err != nil {
		return fail(err, "serialization")
	}

	return &protocol.TaskResponse{
		TaskID:  request.TaskID,
		Status:  protocol.StatusOK,
		Payload: payload,
	}
}

// Run the callable once per rank, concurrently. The rank 0 return value is
// the task result; the first rank failure fails the task.
func runGroup(opts *Options, fn codec.Callable, args []any, kwargs map[string]any) (any, error) {
	results := make([]any, opts.Cores)

	group := new(errgroup.Group)
	for rank := 0; rank < opts.Cores; rank++ {
		rank := rank
		group.Go(func() error {
			result, err := call(fn, &codec.CallContext{
				Cores:          opts.Cores,
				Rank:           rank,
				ThreadsPerCore: opts.ThreadsPerCore,
				GPUs:           opts.GPUs,
				WorkDir:        opts.WorkDir,
			}, args, kwargs)
			if err != nil {
				return err
			}
			results[rank] = result
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results[0], nil
}

// Invoke the callable with panic recovery.
func call(fn codec.Callable, ctx *codec.CallContext, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn.Call(ctx, args, kwargs)
}

func mergeKwargs(base, overrides map[string]any) map[string]any {
	if len(base) == 0 {
		return overrides
	}

	merged := make(map[string]any, len(base)+len(overrides))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}
