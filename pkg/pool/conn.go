package pool

import (
	"errors"
	"net"
	"time"

	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/protocol"
)

// How long a freshly accepted connection may take to say hello.
const helloTimeout = 30 * time.Second

func (p *Pool) acceptLoop() {
	for {
		raw, err := p.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("accept: %v", err)
			}
			return
		}
		go p.awaitHello(protocol.NewConn(raw))
	}
}

// Read the hello message off a new connection and hand it to the control
// loop for pairing. Connections that never identify themselves are dropped.
func (p *Pool) awaitHello(conn *protocol.Conn) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))

	envelope, err := conn.ReadEnvelope()
	if err != nil {
		log.Debugf("connection from %s dropped before hello: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if envelope.Kind != protocol.KindHello || envelope.Hello == nil {
		log.Debugf("connection from %s sent %d before hello", conn.RemoteAddr(), envelope.Kind)
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Time{})

	select {
	case p.helloCh <- helloEvent{conn: conn, hello: envelope.Hello}:
	case <-p.loopDone:
		conn.Close()
	}
}

// Pump inbound envelopes from one worker into the control loop. A read
// failure is delivered as a worker loss event and ends the pump.
func (p *Pool) readLoop(token string, conn *protocol.Conn) {
	for {
		envelope, err := conn.ReadEnvelope()
		if err != nil {
			select {
			case p.eventCh <- workerEvent{token: token, err: err}:
			case <-p.loopDone:
			}
			return
		}

		select {
		case p.eventCh <- workerEvent{token: token, envelope: envelope}:
		case <-p.loopDone:
			return
		}
	}
}

// Pump outbound envelopes to one worker. Drains the channel until the
// control loop closes it, then closes the connection.
func (p *Pool) writeLoop(conn *protocol.Conn, out <-chan *protocol.Envelope) {
	for envelope := range out {
		if err := conn.WriteEnvelope(envelope); err != nil {
			log.Debugf("write to %s: %v", conn.RemoteAddr(), err)
			break
		}
	}
	for range out {
		// Discard whatever the control loop queued after the failure.
	}
	conn.Close()
}
