//go:build linux

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlDualStack clears IPV6_V6ONLY so a wildcard "udp"/[::]:port listener
// accepts both IPv4-mapped and native IPv6 peers. net.ListenConfig.Control
// runs before bind, so this is the only place the option can be set through
// the stdlib net package.
func controlDualStack(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		// Not fatal: some kernels reject this on IPv4-only sockets bound to
		// an IPv4 address on a "udp" network; dual-stack just won't apply.
		return nil
	}
	return nil
}
