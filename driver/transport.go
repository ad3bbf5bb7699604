package driver

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/nimbusmq/mediadriver/logbuffer"
	"github.com/nimbusmq/mediadriver/wire"
)

// UDPTransport is the real socket-backed implementation of both
// network.Transport and conductor.FeedbackTransport: one shared
// net.PacketConn used for every send and the single socket the
// receiver loop reads from. Socket code is deliberately confined to
// this one file; everything upstream of it only ever sees the
// Transport/FeedbackTransport interfaces.
type UDPTransport struct {
	conn net.PacketConn
}

// NewUDPTransport wraps an already-bound PacketConn.
func NewUDPTransport(conn net.PacketConn) *UDPTransport {
	return &UDPTransport{conn: conn}
}

// ListenUDP binds the driver's receive socket per cfg.ListenAddr.
func ListenUDP(addr string) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "driver: listen %s", addr)
	}
	return NewUDPTransport(conn), nil
}

func (t *UDPTransport) Close() error { return t.conn.Close() }

// Send implements network.Transport: destination is a "host:port" pair
// resolved fresh on every call, since channel endpoints are rare
// relative to the send cadence and resolving avoids caching a stale
// address across a destination's DNS change.
func (t *UDPTransport) Send(destination string, frame []byte) error {
	addr, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		return errors.Wrapf(err, "driver: resolve %s", destination)
	}
	_, err = t.conn.WriteTo(frame, addr)
	return err
}

// SendNAK implements conductor.FeedbackTransport.
func (t *UDPTransport) SendNAK(destination string, n wire.NAK) error {
	buf := make([]byte, logbuffer.HeaderLength+16)
	if err := wire.EncodeNAK(buf, n); err != nil {
		return err
	}
	return t.Send(destination, buf)
}

// SendStatusMessage implements conductor.FeedbackTransport.
func (t *UDPTransport) SendStatusMessage(destination string, sm wire.StatusMessage) error {
	buf := make([]byte, logbuffer.HeaderLength+24)
	if err := wire.EncodeStatusMessage(buf, sm); err != nil {
		return err
	}
	return t.Send(destination, buf)
}

// receive reads the next inbound frame, giving up after deadline if it
// is non-zero; a zero deadline blocks until a datagram arrives.
func (t *UDPTransport) receive(buf []byte, deadline time.Duration) (n int, err error) {
	if deadline > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return 0, err
		}
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}
	n, _, err = t.conn.ReadFrom(buf)
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
