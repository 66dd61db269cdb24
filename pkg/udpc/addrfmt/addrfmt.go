// Package addrfmt provides pure string <-> address formatting helpers.
// Every call returns an ordinary garbage-collected string, so there is no
// shared formatting buffer and no lifetime to reason about.
package addrfmt

import (
	"fmt"
	"net"
	"strconv"
)

// Format renders an IP and port as "[addr]:port" for IPv6 or "addr:port"
// for IPv4, matching net.JoinHostPort's convention.
func Format(ip net.IP, port uint16) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
}

// Parse splits a "[addr]:port" or "addr:port" string back into its IP and
// port. It returns an error if host is not a valid IP literal (hostnames
// are rejected: the protocol only ever operates on resolved addresses).
func Parse(s string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, 0, fmt.Errorf("addrfmt: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("addrfmt: %q is not a valid IP literal", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("addrfmt: invalid port %q: %w", portStr, err)
	}
	return ip, uint16(port), nil
}

// IsIPv4Mapped reports whether ip is an IPv4-in-IPv6 address, the kind of
// peer address that Config.RejectV4Mapped turns away.
func IsIPv4Mapped(ip net.IP) bool {
	return ip.To4() != nil && ip.To16() != nil && len(ip) == net.IPv6len
}
