package codec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/parxlib/parx/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Register("test.add", Func(func(ctx *CallContext, args []any, kwargs map[string]any) (any, error) {
		sum := 0
		for _, arg := range args {
			sum += arg.(int)
		}
		return sum, nil
	}))
}

type doubler struct {
	Factor int
}

func (d doubler) Call(ctx *CallContext, args []any, kwargs map[string]any) (any, error) {
	return args[0].(int) * d.Factor, nil
}

func init() {
	RegisterType(doubler{})
}

func TestCallableByReference(t *testing.T) {
	payload, err := EncodeCallable(Ref("test.add"))
	require.NoError(t, err)
	assert.Equal(t, KindRef, payload.Kind)

	fn, err := DecodeCallable(payload)
	require.NoError(t, err)

	result, err := fn.Call(&CallContext{Cores: 1}, []any{1, 2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, result)
}

func TestCallableByReferenceUnregistered(t *testing.T) {
	payload, err := EncodeCallable(Ref("test.missing"))
	require.NoError(t, err)

	fn, err := DecodeCallable(payload)
	require.NoError(t, err)

	_, err = fn.Call(&CallContext{Cores: 1}, nil, nil)
	assert.ErrorIs(t, err, utils.ErrSerialization)
}

func TestCallableInline(t *testing.T) {
	payload, err := EncodeCallable(doubler{Factor: 3})
	require.NoError(t, err)
	assert.Equal(t, KindInline, payload.Kind)

	fn, err := DecodeCallable(payload)
	require.NoError(t, err)

	result, err := fn.Call(&CallContext{Cores: 1}, []any{7}, nil)
	require.NoError(t, err)
	assert.Equal(t, 21, result)
}

func TestPlainFuncCannotBeEncodedInline(t *testing.T) {
	fn := Func(func(ctx *CallContext, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	_, err := EncodeCallable(fn)
	assert.ErrorIs(t, err, utils.ErrSerialization)
}

func TestArgsRoundTrip(t *testing.T) {
	data, err := EncodeArgs([]any{1, "two", 3.0, []int{4}})
	require.NoError(t, err)

	args, err := DecodeArgs(data)
	require.NoError(t, err)
	assert.Equal(t, []any{1, "two", 3.0, []int{4}}, args)
}

func TestNilArgsRoundTrip(t *testing.T) {
	data, err := EncodeArgs(nil)
	require.NoError(t, err)

	args, err := DecodeArgs(data)
	require.NoError(t, err)
	assert.Nil(t, args)
}

func TestKwargsRoundTrip(t *testing.T) {
	data, err := EncodeKwargs(map[string]any{"alpha": 1, "beta": "b"})
	require.NoError(t, err)

	kwargs, err := DecodeKwargs(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"alpha": 1, "beta": "b"}, kwargs)
}

func TestRemoteErrorRoundTrip(t *testing.T) {
	data := EncodeError(errors.New("division by zero"), "error")

	err := DecodeError(data)
	remote := &utils.RemoteError{}
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "division by zero", remote.Message)
	assert.Equal(t, "error", remote.Kind)
}

func TestFingerprintDeterministic(t *testing.T) {
	call, err := EncodeCallable(Ref("test.add"))
	require.NoError(t, err)

	a, err := Fingerprint(call, []any{1, 2}, map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)

	b, err := Fingerprint(call, []any{1, 2}, map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)

	// Keyword argument iteration order must not affect the key.
	assert.Equal(t, a, b)
}

func TestFingerprintStableForMapValues(t *testing.T) {
	call, err := EncodeCallable(Ref("test.add"))
	require.NoError(t, err)

	// Large enough that map iteration order varies between encodings.
	payload := map[string]any{}
	for i := 0; i < 16; i++ {
		payload[fmt.Sprintf("key-%02d", i)] = i
	}
	nested := map[string]any{"outer": payload, "list": []any{payload, 1}}

	first, err := Fingerprint(call, []any{payload}, map[string]any{"nested": nested})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		again, err := Fingerprint(call, []any{payload}, map[string]any{"nested": nested})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	// A different entry still changes the key.
	payload["key-00"] = -1
	changed, err := Fingerprint(call, []any{payload}, map[string]any{"nested": nested})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestFingerprintSensitivity(t *testing.T) {
	call, err := EncodeCallable(Ref("test.add"))
	require.NoError(t, err)

	base, err := Fingerprint(call, []any{1, 2}, nil)
	require.NoError(t, err)

	differentArgs, err := Fingerprint(call, []any{2, 1}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, differentArgs)

	withKwargs, err := Fingerprint(call, []any{1, 2}, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.NotEqual(t, base, withKwargs)

	otherCall, err := EncodeCallable(Ref("test.other"))
	require.NoError(t, err)
	differentCall, err := Fingerprint(otherCall, []any{1, 2}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, differentCall)
}
