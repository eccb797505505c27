package pkt

import (
	"net/netip"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// IPv6 is an IPv6 fixed header plus payload (RFC 2460 §3). Extension
// headers are out of scope for this stack (see spec.md Non-goals); the
// next-header field always names the upper-layer protocol directly.
type IPv6 struct {
	TrafficClass uint8
	FlowLabel    uint32 // 20 bits
	NextHeader   Proto
	HopLimit     uint8
	Src          netip.Addr
	Dst          netip.Addr
	Payload      []byte
}

func (p *IPv6) Encode() []byte {
	w := wire.NewWriter()
	word := uint32(6)<<28 | uint32(p.TrafficClass)<<20 | (p.FlowLabel & 0xfffff)
	w.WriteUint32(word)
	w.WriteUint16(uint16(len(p.Payload)))
	w.WriteByte(uint8(p.NextHeader))
	w.WriteByte(p.HopLimit)
	src := p.Src.As16()
	dst := p.Dst.As16()
	w.Write(src[:])
	w.Write(dst[:])
	w.Write(p.Payload)
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeIPv6(b []byte) (*IPv6, error) {
	if len(b) < 40 {
		return nil, errors.New("ipv6: short header")
	}
	if b[0]>>4 != 6 {
		return nil, errors.New("ipv6: not an ipv6 packet")
	}
	p := &IPv6{}
	word := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	p.TrafficClass = uint8(word >> 20)
	p.FlowLabel = word & 0xfffff
	payloadLen := int(uint16(b[4])<<8 | uint16(b[5]))
	p.NextHeader = Proto(b[6])
	p.HopLimit = b[7]
	p.Src = netip.AddrFrom16([16]byte(b[8:24]))
	p.Dst = netip.AddrFrom16([16]byte(b[24:40]))
	end := 40 + payloadLen
	if end > len(b) {
		end = len(b)
	}
	p.Payload = append([]byte(nil), b[40:end]...)
	return p, nil
}

// PseudoChecksum returns the partial checksum of the IPv6 pseudo-header,
// for TCP/UDP/ICMPv6 checksum computation over this packet's payload.
func (p *IPv6) PseudoChecksum(upperLen int) uint16 {
	return pseudoHeaderChecksumV6(uint8(p.NextHeader), p.Src.As16(), p.Dst.As16(), uint32(upperLen))
}
