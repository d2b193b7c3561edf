package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/parxlib/parx/pkg/utils"
)

// Execution context passed to a callable on the worker side.
// Describes the resource grant of the executing worker and the rank of the
// goroutine invoking the callable within the worker's rank group.
type CallContext struct {
	// Number of cores granted to the worker.
	Cores int

	// Rank of the invocation, in [0, Cores).
	Rank int

	// Number of threads per core granted to the worker.
	ThreadsPerCore int

	// GPU device identifiers bound to the worker, if any.
	GPUs []string

	// Working directory of the worker process.
	WorkDir string
}

// A callable that can be shipped to a worker for execution.
//
// Two transport forms exist: by reference, where both coordinator and worker
// resolve a registered name against their local registry, and inline, where
// the value itself is encoded and must be a gob-registered type.
type Callable interface {
	Call(ctx *CallContext, args []any, kwargs map[string]any) (any, error)
}

// Func adapts a plain function to the Callable interface.
// Functions cannot be encoded inline and must be registered by name.
type Func func(ctx *CallContext, args []any, kwargs map[string]any) (any, error)

func (f Func) Call(ctx *CallContext, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Callable{}
)

// Register a named callable. Worker binaries must register the same names
// as the coordinator for by-reference calls to resolve.
func Register(name string, fn Callable) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Register a concrete Callable type for inline transport.
func RegisterType(value Callable) {
	gob.Register(value)
}

// Resolve a registered callable by name.
func Lookup(name string) (Callable, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: no callable registered as %q", utils.ErrSerialization, name)
	}
	return fn, nil
}

type ref struct {
	name string
}

func (r ref) Call(ctx *CallContext, args []any, kwargs map[string]any) (any, error) {
	fn, err := Lookup(r.name)
	if err != nil {
		return nil, err
	}
	return fn.Call(ctx, args, kwargs)
}

// Returns a by-reference callable resolving the given registered name.
func Ref(name string) Callable {
	return ref{name: name}
}

// Transport form of a callable.
type Kind uint8

const (
	// The payload data is the name of a registered callable.
	KindRef Kind = iota

	// The payload data is the gob encoding of the callable value itself.
	KindInline
)

// Tagged callable payload. The bytes encode everything needed to reconstruct
// the call on the worker side, given the worker's registry and type set.
type Payload struct {
	Kind Kind
	Data []byte
}

type inlineEnvelope struct {
	C Callable
}

// Encode a callable into its transport payload.
func EncodeCallable(fn Callable) (Payload, error) {
	if r, ok := fn.(ref); ok {
		return Payload{Kind: KindRef, Data: []byte(r.name)}, nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(inlineEnvelope{C: fn}); err != nil {
		return Payload{}, fmt.Errorf("%w: cannot encode callable: %v", utils.ErrSerialization, err)
	}
	return Payload{Kind: KindInline, Data: buf.Bytes()}, nil
}

// Decode a callable from its transport payload.
func DecodeCallable(payload Payload) (Callable, error) {
	switch payload.Kind {
	case KindRef:
		return Lookup(string(payload.Data))
	case KindInline:
		var env inlineEnvelope
		if err := gob.NewDecoder(bytes.NewReader(payload.Data)).Decode(&env); err != nil {
			return nil, fmt.Errorf("%w: cannot decode callable: %v", utils.ErrSerialization, err)
		}
		return env.C, nil
	default:
		return nil, fmt.Errorf("%w: unknown callable kind %d", utils.ErrSerialization, payload.Kind)
	}
}

type valueEnvelope struct {
	V any
}

// Encode an arbitrary value, e.g. a task argument list or result.
func EncodeValue(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(valueEnvelope{V: value}); err != nil {
		return nil, fmt.Errorf("%w: cannot encode value: %v", utils.ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// Decode a value previously encoded with EncodeValue.
func DecodeValue(data []byte) (any, error) {
	var env valueEnvelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: cannot decode value: %v", utils.ErrSerialization, err)
	}
	return env.V, nil
}

// Encode a task argument list.
func EncodeArgs(args []any) ([]byte, error) {
	return EncodeValue(args)
}

// Decode a task argument list.
func DecodeArgs(data []byte) ([]any, error) {
	value, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	args, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: argument list has unexpected type %T", utils.ErrSerialization, value)
	}
	return args, nil
}

// Encode task keyword arguments.
func EncodeKwargs(kwargs map[string]any) ([]byte, error) {
	return EncodeValue(kwargs)
}

// Decode task keyword arguments.
func DecodeKwargs(data []byte) (map[string]any, error) {
	value, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	kwargs, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: keyword arguments have unexpected type %T", utils.ErrSerialization, value)
	}
	return kwargs, nil
}

func init() {
	// Concrete types commonly crossing the wire inside interface values.
	gob.Register(int(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(uint(0))
	gob.Register(uint64(0))
	gob.Register(float32(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register([]byte(nil))
	gob.Register([]any(nil))
	gob.Register([]int(nil))
	gob.Register([]string(nil))
	gob.Register([]float64(nil))
	gob.Register(map[string]any(nil))
}
