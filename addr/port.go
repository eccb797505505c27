// Package addr is a drop-in replacement for the teacher's common/net
// package (port.go, destination.go), narrowed from "real socket dialing
// address" to "simulated link/network address": IPv4, IPv6, MAC, Port and
// a Destination triple used by the socket, ARP, NDP, and route packages.
package addr

import (
	"encoding/binary"
	"strconv"

	"github.com/inetsim/stack/common/errors"
)

// Port represents a TCP/UDP port number.
type Port uint16

// PortFromBytes converts a 2-byte big-endian slice to a Port.
func PortFromBytes(b []byte) Port {
	return Port(binary.BigEndian.Uint16(b))
}

// PortFromInt converts an integer to a Port.
func PortFromInt(val uint32) (Port, error) {
	if val > 65535 {
		return Port(0), errors.New("invalid port range: ", val)
	}
	return Port(val), nil
}

// PortFromString parses a decimal port string.
func PortFromString(s string) (Port, error) {
	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return Port(0), errors.New("invalid port range: ", s)
	}
	return PortFromInt(uint32(val))
}

// Bytes appends the big-endian encoding of p to b.
func (p Port) Bytes(b []byte) []byte {
	return append(b, byte(p>>8), byte(p))
}

func (p Port) Value() uint16 { return uint16(p) }
func (p Port) String() string { return strconv.Itoa(int(p)) }
