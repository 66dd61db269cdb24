package addrfmt

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTrip(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	s := Format(ip, 5555)
	require.Equal(t, "[2001:db8::1]:5555", s)

	gotIP, gotPort, err := Parse(s)
	require.NoError(t, err)
	require.True(t, ip.Equal(gotIP))
	require.Equal(t, uint16(5555), gotPort)
}

func TestFormatParseIPv4(t *testing.T) {
	s := Format(net.ParseIP("192.0.2.10"), 80)
	require.Equal(t, "192.0.2.10:80", s)

	ip, port, err := Parse(s)
	require.NoError(t, err)
	require.True(t, ip.Equal(net.ParseIP("192.0.2.10")))
	require.Equal(t, uint16(80), port)
}

func TestParseRejectsHostname(t *testing.T) {
	_, _, err := Parse("localhost:9000")
	require.Error(t, err)
}

func TestIsIPv4Mapped(t *testing.T) {
	require.True(t, IsIPv4Mapped(net.ParseIP("192.0.2.1").To16()))
	require.False(t, IsIPv4Mapped(net.ParseIP("2001:db8::1")))
}
