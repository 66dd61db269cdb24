// Package socket provides the dual-stack, non-blocking UDP/IPv6 socket the
// Context is built on. Platform-specific socket-option handling lives in
// socket_linux.go / socket_other.go.
package socket

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Socket is the Context's single I/O collaborator: one recvfrom-or-nothing
// call and one sendto call per tick.
type Socket struct {
	conn *net.UDPConn
}

// Open binds listenAddr on a dual-stack ("udp") IPv6-capable socket. Pass a
// port of 0 to have the OS choose an ephemeral port; read it back via
// LocalAddr.
func Open(listenAddr *net.UDPAddr) (*Socket, error) {
	lc := net.ListenConfig{Control: controlDualStack}
	pc, err := lc.ListenPacket(context.Background(), "udp", listenAddr.String())
	if err != nil {
		return nil, fmt.Errorf("socket: listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("socket: unexpected packet conn type %T", pc)
	}
	return &Socket{conn: conn}, nil
}

// TryReadFrom performs one receive attempt: a queued datagram is returned at
// once, and when none is queued it waits at most one millisecond before
// returning ok false (with a nil error). The deadline is set slightly ahead
// of now because a deadline already in the past makes the read fail with a
// timeout before the socket is read at all.
func (s *Socket) TryReadFrom(buf []byte) (n int, addr *net.UDPAddr, ok bool, err error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, nil, false, fmt.Errorf("socket: set read deadline: %w", err)
	}
	n, addr, err = s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, isNetErr := err.(net.Error); isNetErr && ne.Timeout() {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return n, addr, true, nil
}

// WriteTo sends buf to addr. The OS-layer send may block briefly; the
// design treats that as bounded and does not attempt to make it
// non-blocking.
func (s *Socket) WriteTo(buf []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(buf, addr)
}

// LocalAddr returns the bound address, including the OS-assigned port when
// Open was called with port 0.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return s.conn.Close()
}
