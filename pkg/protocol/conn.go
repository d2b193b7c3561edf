package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/parxlib/parx/pkg/utils"
)

// Maximum accepted frame size. Frames announcing a larger payload are
// treated as malformed and fatal to the connection.
const MaxFrameSize = 64 << 20

// A message-framed connection between the coordinator and one worker.
// Each frame is a 4-byte big-endian length followed by that many bytes of
// gob-encoded envelope. Reads are buffered until a full frame is available;
// writes are serialized and emitted as a single frame.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw:    raw,
		reader: bufio.NewReader(raw),
	}
}

// Read the next envelope from the connection, blocking until a full frame
// has arrived. Undecodable or oversized frames yield ErrMalformedFrame.
func (c *Conn) ReadEnvelope() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", utils.ErrMalformedFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}

	var envelope Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrMalformedFrame, err)
	}

	if envelope.Kind < KindHello || envelope.Kind > KindShutdown {
		return nil, fmt.Errorf("%w: unknown message kind %d", utils.ErrMalformedFrame, envelope.Kind)
	}

	return &envelope, nil
}

// Write an envelope as a single frame.
func (c *Conn) WriteEnvelope(envelope *Envelope) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(envelope); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrSerialization, err)
	}

	if body.Len() > MaxFrameSize {
		return fmt.Errorf("%w: frame length %d", utils.ErrMalformedFrame, body.Len())
	}

	frame := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(frame, uint32(body.Len()))
	copy(frame[4:], body.Bytes())

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.raw.Write(frame)
	return err
}

// Set the deadline for the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

// Address of the remote peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
