package pkt

import (
	"net/netip"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// Proto identifies the IP next-header / protocol field.
type Proto uint8

const (
	ProtoICMP   Proto = 1
	ProtoTCP    Proto = 6
	ProtoUDP    Proto = 17
	ProtoICMPv6 Proto = 58
)

// IPv4Flags are the three flag bits in the IPv4 header (RFC 791 §3.1).
type IPv4Flags struct {
	DontFragment bool
	MoreFragments bool
}

// IPv4 is an IPv4 header plus payload (bit-exact per RFC 791).
type IPv4 struct {
	DSCP           uint8
	ECN            uint8
	Identification uint16
	Flags          IPv4Flags
	FragmentOffset uint16
	TTL            uint8
	Proto          Proto
	Src            netip.Addr
	Dst            netip.Addr
	Payload        []byte
}

// Encode serializes the header and recomputes the checksum and total length
// using a deferred-length marker, matching the original's two-pass
// approach (original_source/inet-types/src/ip/v4.rs) but via wire.Marker
// instead of a TODO checksum placeholder.
func (p *IPv4) Encode() []byte {
	w := wire.NewWriter()
	w.WriteByte(0x45) // version 4, IHL 5 (no options)
	w.WriteByte((p.DSCP << 2) | p.ECN)
	lenMarker := w.CreateMarker(2)
	w.WriteUint16(p.Identification)
	fword := p.FragmentOffset & 0x1fff
	if p.Flags.DontFragment {
		fword |= 0x4000
	}
	if p.Flags.MoreFragments {
		fword |= 0x2000
	}
	w.WriteUint16(fword)
	w.WriteByte(p.TTL)
	w.WriteByte(uint8(p.Proto))
	csumMarker := w.CreateMarker(2)
	src := p.Src.As4()
	dst := p.Dst.As4()
	w.Write(src[:])
	w.Write(dst[:])
	w.Write(p.Payload)

	w.UpdateMarker(lenMarker, uint32(20+len(p.Payload)))
	hdr := w.Bytes()[:20]
	cs := checksum(hdr, 0)
	w.UpdateMarker(csumMarker, uint32(cs))

	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeIPv4(b []byte) (*IPv4, error) {
	if len(b) < 20 {
		return nil, errors.New("ipv4: short header")
	}
	vihl := b[0]
	if vihl>>4 != 4 {
		return nil, errors.New("ipv4: not an ipv4 packet")
	}
	ihl := int(vihl&0x0f) * 4
	if ihl < 20 || len(b) < ihl {
		return nil, errors.New("ipv4: invalid ihl")
	}
	p := &IPv4{}
	p.DSCP = b[1] >> 2
	p.ECN = b[1] & 0x03
	totalLen := int(uint16(b[2])<<8 | uint16(b[3]))
	p.Identification = uint16(b[4])<<8 | uint16(b[5])
	fword := uint16(b[6])<<8 | uint16(b[7])
	p.Flags.DontFragment = fword&0x4000 != 0
	p.Flags.MoreFragments = fword&0x2000 != 0
	p.FragmentOffset = fword & 0x1fff
	p.TTL = b[8]
	p.Proto = Proto(b[9])
	p.Src = netip.AddrFrom4([4]byte(b[12:16]))
	p.Dst = netip.AddrFrom4([4]byte(b[16:20]))
	if totalLen > len(b) {
		totalLen = len(b)
	}
	if totalLen < ihl {
		return nil, errors.New("ipv4: total length smaller than header")
	}
	p.Payload = append([]byte(nil), b[ihl:totalLen]...)
	return p, nil
}
