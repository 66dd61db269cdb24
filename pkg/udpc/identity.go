package udpc

import (
	"fmt"
	"net"
)

// ConnectionId is a peer's primary key: an IPv6 address, its scope id (zone,
// for link-local addresses), and a native byte-order port. Two identities
// are equal iff all three fields are equal.
type ConnectionId struct {
	Addr  [16]byte
	Scope uint32
	Port  uint16
}

// NewConnectionId builds a ConnectionId from a *net.UDPAddr, mapping IPv4
// addresses into the IPv4-in-IPv6 form so the identity is always a 16-byte
// address regardless of how the peer connected.
func NewConnectionId(addr *net.UDPAddr) ConnectionId {
	var id ConnectionId
	ip := addr.IP.To16()
	copy(id.Addr[:], ip)
	id.Port = uint16(addr.Port)
	if addr.Zone != "" {
		if iface, err := net.InterfaceByName(addr.Zone); err == nil {
			id.Scope = uint32(iface.Index)
		}
	}
	return id
}

// UDPAddr reconstructs a *net.UDPAddr suitable for socket calls.
func (id ConnectionId) UDPAddr() *net.UDPAddr {
	a := &net.UDPAddr{
		IP:   append([]byte(nil), id.Addr[:]...),
		Port: int(id.Port),
	}
	if id.Scope != 0 {
		if iface, err := net.InterfaceByIndex(int(id.Scope)); err == nil {
			a.Zone = iface.Name
		}
	}
	return a
}

func (id ConnectionId) String() string {
	return fmt.Sprintf("%s", id.UDPAddr())
}

// identityAddrKey is the subset of an identity used to bucket connections by
// address for "drop all with address" operations; two identities that
// differ only in port or scope share this key.
type identityAddrKey struct {
	Addr  [16]byte
	Scope uint32
}

func (id ConnectionId) addrKey() identityAddrKey {
	return identityAddrKey{Addr: id.Addr, Scope: id.Scope}
}
