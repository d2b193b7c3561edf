package protocol

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/parxlib/parx/pkg/codec"
	"github.com/parxlib/parx/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	sent := &Envelope{
		Kind: KindHello,
		Hello: &Hello{
			Version:        Version,
			Token:          "token-1",
			WorkerID:       "worker-1",
			Cores:          2,
			ThreadsPerCore: 1,
			GPUs:           []string{"0", "1"},
		},
	}

	go func() {
		client.WriteEnvelope(sent)
	}()

	received, err := server.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, KindHello, received.Kind)
	require.NotNil(t, received.Hello)
	assert.Equal(t, *sent.Hello, *received.Hello)
}

func TestTaskRequestRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.WriteEnvelope(&Envelope{
			Kind: KindTaskRequest,
			Request: &TaskRequest{
				TaskID: 42,
				Call:   codec.Payload{Kind: codec.KindRef, Data: []byte("fn")},
				Args:   []byte{1, 2, 3},
			},
		})
	}()

	received, err := server.ReadEnvelope()
	require.NoError(t, err)
	require.NotNil(t, received.Request)
	assert.Equal(t, uint64(42), received.Request.TaskID)
	assert.Equal(t, []byte("fn"), received.Request.Call.Data)
	assert.Equal(t, []byte{1, 2, 3}, received.Request.Args)
}

func TestOversizedFrameIsMalformed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	server := NewConn(b)
	defer server.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	go a.Write(header[:])

	_, err := server.ReadEnvelope()
	assert.ErrorIs(t, err, utils.ErrMalformedFrame)
}

func TestEmptyFrameIsMalformed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	server := NewConn(b)
	defer server.Close()

	go a.Write([]byte{0, 0, 0, 0})

	_, err := server.ReadEnvelope()
	assert.ErrorIs(t, err, utils.ErrMalformedFrame)
}

func TestUndecodableFrameIsMalformed(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	server := NewConn(b)
	defer server.Close()

	go a.Write([]byte{0, 0, 0, 3, 'a', 'b', 'c'})

	_, err := server.ReadEnvelope()
	assert.ErrorIs(t, err, utils.ErrMalformedFrame)
}

func TestUnknownKindIsMalformed(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.WriteEnvelope(&Envelope{Kind: KindShutdown + 1})
	}()

	_, err := server.ReadEnvelope()
	assert.ErrorIs(t, err, utils.ErrMalformedFrame)
}
