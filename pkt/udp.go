package pkt

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// UDP is a UDP datagram header plus payload (RFC 768).
type UDP struct {
	SrcPort addr.Port
	DstPort addr.Port
	Payload []byte
}

// EncodeV4 serializes the datagram and computes its checksum over the
// IPv4 pseudo-header plus UDP segment.
func (u *UDP) EncodeV4(src, dst netip.Addr) []byte {
	return u.encode(pseudoHeaderChecksumV4(uint8(ProtoUDP), src.As4(), dst.As4(), uint16(8+len(u.Payload))))
}

func (u *UDP) EncodeV6(src, dst netip.Addr) []byte {
	return u.encode(pseudoHeaderChecksumV6(uint8(ProtoUDP), src.As16(), dst.As16(), uint32(8+len(u.Payload))))
}

func (u *UDP) encode(pseudo uint16) []byte {
	w := wire.NewWriter()
	w.WriteUint16(uint16(u.SrcPort))
	w.WriteUint16(uint16(u.DstPort))
	w.WriteUint16(uint16(8 + len(u.Payload)))
	csumMarker := w.CreateMarker(2)
	w.Write(u.Payload)

	cs := checksumCombine(pseudo, checksum(w.Bytes()[:8], 0))
	cs = checksumCombine(cs, checksum(u.Payload, 0))
	cs = ^cs
	if cs == 0 {
		cs = 0xffff // RFC 768: a computed zero checksum is transmitted as all-ones
	}
	w.UpdateMarker(csumMarker, uint32(cs))

	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeUDP(b []byte) (*UDP, error) {
	if len(b) < 8 {
		return nil, errors.New("udp: short header")
	}
	r := wire.NewReader(b)
	sp, _ := r.ReadUint16()
	dp, _ := r.ReadUint16()
	length, err := r.ReadUint16()
	if err != nil {
		return nil, errors.New("udp: truncated length").Base(err)
	}
	if _, err := r.ReadUint16(); err != nil { // checksum, not re-verified here
		return nil, errors.New("udp: truncated checksum").Base(err)
	}
	payloadLen := int(length) - 8
	if payloadLen < 0 {
		return nil, errors.New("udp: length smaller than header")
	}
	payload, err := r.ReadN(min(payloadLen, r.Len()))
	if err != nil {
		return nil, errors.New("udp: truncated payload").Base(err)
	}
	return &UDP{SrcPort: addr.Port(sp), DstPort: addr.Port(dp), Payload: append([]byte(nil), payload...)}, nil
}
