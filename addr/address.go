package addr

import (
	"fmt"
	"net/netip"
)

// MAC is a 48-bit Ethernet hardware address.
type MAC [6]byte

// Broadcast is the all-ones Ethernet broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// IsMulticast reports whether the low bit of the first octet is set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// EUI64 derives a 64-bit interface identifier from m per RFC 2464, used by
// SLAAC (spec §4.4) to build prefix ∥ EUI-64(MAC) addresses.
func (m MAC) EUI64() [8]byte {
	var id [8]byte
	id[0] = m[0] ^ 0x02 // flip the universal/local bit
	id[1] = m[1]
	id[2] = m[2]
	id[3] = 0xff
	id[4] = 0xfe
	id[5] = m[3]
	id[6] = m[4]
	id[7] = m[5]
	return id
}

// Network identifies the socket domain/protocol a Destination refers to.
type Network uint8

const (
	NetworkUnknown Network = iota
	NetworkTCP
	NetworkUDP
	NetworkUnix
)

func (n Network) String() string {
	switch n {
	case NetworkTCP:
		return "tcp"
	case NetworkUDP:
		return "udp"
	case NetworkUnix:
		return "unix"
	default:
		return "unknown"
	}
}

// Destination names a simulated transport endpoint: an IPv4/IPv6 address
// and port for TCP/UDP, or a path for AF_UNIX. Mirrors the teacher's
// common/net.Destination, narrowed to addresses this stack can actually
// resolve and route (spec §3 Socket "remote address or none").
type Destination struct {
	Network Network
	Addr    netip.Addr // zero value for AF_UNIX
	Port    Port
	Path    string // AF_UNIX only
}

func TCPDestination(a netip.Addr, p Port) Destination {
	return Destination{Network: NetworkTCP, Addr: a, Port: p}
}

func UDPDestination(a netip.Addr, p Port) Destination {
	return Destination{Network: NetworkUDP, Addr: a, Port: p}
}

func UnixDestination(path string) Destination {
	return Destination{Network: NetworkUnix, Path: path}
}

func (d Destination) IsValid() bool { return d.Network != NetworkUnknown }

func (d Destination) String() string {
	switch d.Network {
	case NetworkUnix:
		return "unix:" + d.Path
	case NetworkTCP, NetworkUDP:
		return fmt.Sprintf("%s:%s:%d", d.Network, d.Addr, d.Port)
	default:
		return "unknown"
	}
}

// SolicitedNodeMulticast returns the IPv6 solicited-node multicast address
// for target, derived from its low 24 bits (spec GLOSSARY).
func SolicitedNodeMulticast(target netip.Addr) netip.Addr {
	if !target.Is6() {
		return netip.Addr{}
	}
	b := target.As16()
	out := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0xff, b[13], b[14], b[15]}
	return netip.AddrFrom16(out)
}
