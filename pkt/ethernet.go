// Package pkt implements the packet-types component of spec §2: bit-exact
// IPv4/IPv6/TCP/UDP/ICMP/ICMPv6/ARP/DNS wire encode/decode, built on the
// wire.Writer/Reader cursor codec. Grounded on
// _examples/original_source/inet-types (the original's per-protocol packet
// structs) and on the teacher's checksum/constant usage of gvisor.dev/gvisor.
package pkt

import (
	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// EtherType identifies the payload carried by an Ethernet II frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

// Ethernet is an Ethernet II frame header plus opaque payload.
type Ethernet struct {
	Dst     addr.MAC
	Src     addr.MAC
	Type    EtherType
	Payload []byte
}

func (e *Ethernet) Encode() []byte {
	w := wire.NewWriter()
	w.Write(e.Dst[:])
	w.Write(e.Src[:])
	w.WriteUint16(uint16(e.Type))
	w.Write(e.Payload)
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeEthernet(b []byte) (*Ethernet, error) {
	r := wire.NewReader(b)
	dst, err := r.ReadN(6)
	if err != nil {
		return nil, errors.New("ethernet: truncated dst").Base(err)
	}
	src, err := r.ReadN(6)
	if err != nil {
		return nil, errors.New("ethernet: truncated src").Base(err)
	}
	et, err := r.ReadUint16()
	if err != nil {
		return nil, errors.New("ethernet: truncated ethertype").Base(err)
	}
	e := &Ethernet{Type: EtherType(et), Payload: r.Rest()}
	copy(e.Dst[:], dst)
	copy(e.Src[:], src)
	return e, nil
}
