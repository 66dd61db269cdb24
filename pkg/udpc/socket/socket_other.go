//go:build !linux

package socket

import "syscall"

// controlDualStack is a no-op outside Linux: Go's net package already binds
// unspecified "udp" wildcard listeners dual-stack on these platforms, and
// the syscall-level option names vary enough across BSD/Darwin/Windows that
// setting them by hand buys nothing.
func controlDualStack(network, address string, c syscall.RawConn) error {
	return nil
}
