package pkt

import (
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// ICMPType is the IPv4 ICMP message type (RFC 792).
type ICMPType uint8

const (
	ICMPEchoReply       ICMPType = 0
	ICMPDestUnreachable ICMPType = 3
	ICMPEchoRequest     ICMPType = 8
	ICMPTimeExceeded    ICMPType = 11
)

// ICMP is an ICMPv4 message. Code carries the sub-type for Destination
// Unreachable/Time Exceeded; Identifier/Sequence carry the echo
// correlation pair (spec §4.7).
type ICMP struct {
	Type       ICMPType
	Code       uint8
	Identifier uint16
	Sequence   uint16
	Data       []byte // echo payload, or the offending packet's first 8 bytes for errors
}

func (m *ICMP) Encode() []byte {
	w := wire.NewWriter()
	w.WriteByte(uint8(m.Type))
	w.WriteByte(m.Code)
	csumMarker := w.CreateMarker(2)
	w.WriteUint16(m.Identifier)
	w.WriteUint16(m.Sequence)
	w.Write(m.Data)
	cs := checksum(w.Bytes(), 0)
	w.UpdateMarker(csumMarker, uint32(cs))
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeICMP(b []byte) (*ICMP, error) {
	if len(b) < 8 {
		return nil, errors.New("icmp: short header")
	}
	m := &ICMP{
		Type:       ICMPType(b[0]),
		Code:       b[1],
		Identifier: uint16(b[4])<<8 | uint16(b[5]),
		Sequence:   uint16(b[6])<<8 | uint16(b[7]),
		Data:       append([]byte(nil), b[8:]...),
	}
	return m, nil
}
