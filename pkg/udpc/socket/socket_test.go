package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSocket_OpenAndLoopback(t *testing.T) {
	a, err := Open(&net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(&net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer b.Close()

	msg := []byte("hello")
	_, err = a.WriteTo(msg, &net.UDPAddr{IP: net.IPv6loopback, Port: b.LocalAddr().Port})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, _, ok, err := b.TryReadFrom(buf)
		require.NoError(t, err)
		if ok {
			require.Equal(t, msg, buf[:n])
			return
		}
	}
	t.Fatal("timed out waiting for loopback datagram")
}

func TestSocket_TryReadFromReturnsNotOKWhenEmpty(t *testing.T) {
	s, err := Open(&net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 64)
	_, _, ok, err := s.TryReadFrom(buf)
	require.NoError(t, err)
	require.False(t, ok)
}
