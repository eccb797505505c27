package pkt

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// TCPFlags are the control bits of the TCP header (RFC 793 §3.1).
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
)

func (f TCPFlags) Has(bit TCPFlags) bool { return f&bit != 0 }

// TCP is a TCP segment header plus payload. Of the SACK options only
// SACK-permitted is parsed; SACK blocks are skipped on decode, and nothing
// here feeds the congestion engine.
type TCP struct {
	SrcPort    addr.Port
	DstPort    addr.Port
	SeqNum     uint32
	AckNum     uint32
	DataOffset uint8 // header length in 32-bit words, including options
	Flags      TCPFlags
	Window     uint16
	UrgentPtr  uint16
	MSS        uint16 // 0 if option absent
	SACKPermitted bool
	Payload    []byte
}

func (t *TCP) headerWords() uint8 {
	optLen := 0
	if t.MSS != 0 {
		optLen += 4
	}
	if t.SACKPermitted {
		optLen += 2
	}
	for optLen%4 != 0 {
		optLen++
	}
	return uint8(5 + optLen/4)
}

func (t *TCP) encodeOptions(w *wire.Writer) {
	written := 0
	if t.MSS != 0 {
		w.WriteByte(2)
		w.WriteByte(4)
		w.WriteUint16(t.MSS)
		written += 4
	}
	if t.SACKPermitted {
		w.WriteByte(4)
		w.WriteByte(2)
		written += 2
	}
	pad := int(t.headerWords())*4 - 20
	for ; written < pad; written++ {
		w.WriteByte(0) // end-of-option-list padding to a 32-bit boundary
	}
}

func (t *TCP) EncodeV4(src, dst netip.Addr) []byte {
	return t.encode(func(hdr []byte) uint16 {
		return pseudoHeaderChecksumV4(uint8(ProtoTCP), src.As4(), dst.As4(), uint16(len(hdr)+len(t.Payload)))
	})
}

func (t *TCP) EncodeV6(src, dst netip.Addr) []byte {
	return t.encode(func(hdr []byte) uint16 {
		return pseudoHeaderChecksumV6(uint8(ProtoTCP), src.As16(), dst.As16(), uint32(len(hdr)+len(t.Payload)))
	})
}

func (t *TCP) encode(pseudo func(hdr []byte) uint16) []byte {
	hw := t.headerWords()
	w := wire.NewWriter()
	w.WriteUint16(uint16(t.SrcPort))
	w.WriteUint16(uint16(t.DstPort))
	w.WriteUint32(t.SeqNum)
	w.WriteUint32(t.AckNum)
	w.WriteByte(hw << 4)
	w.WriteByte(uint8(t.Flags))
	w.WriteUint16(t.Window)
	csumMarker := w.CreateMarker(2)
	w.WriteUint16(t.UrgentPtr)
	t.encodeOptions(w)
	w.Write(t.Payload)

	hdr := append([]byte(nil), w.Bytes()[:int(hw)*4]...)
	cs := checksumCombine(pseudo(hdr), checksum(hdr, 0))
	cs = checksumCombine(cs, checksum(t.Payload, 0))
	w.UpdateMarker(csumMarker, uint32(^cs))

	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeTCP(b []byte) (*TCP, error) {
	if len(b) < 20 {
		return nil, errors.New("tcp: short header")
	}
	r := wire.NewReader(b)
	sp, _ := r.ReadUint16()
	dp, _ := r.ReadUint16()
	seq, _ := r.ReadUint32()
	ack, _ := r.ReadUint32()
	offsetFlags, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("tcp: truncated data offset").Base(err)
	}
	hw := offsetFlags >> 4
	flags, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("tcp: truncated flags").Base(err)
	}
	win, _ := r.ReadUint16()
	if _, err := r.ReadUint16(); err != nil { // checksum
		return nil, errors.New("tcp: truncated checksum").Base(err)
	}
	urg, _ := r.ReadUint16()
	t := &TCP{
		SrcPort: addr.Port(sp), DstPort: addr.Port(dp),
		SeqNum: seq, AckNum: ack, DataOffset: hw,
		Flags: TCPFlags(flags), Window: win, UrgentPtr: urg,
	}
	hdrLen := int(hw) * 4
	if hdrLen < 20 || hdrLen > len(b) {
		return nil, errors.New("tcp: invalid data offset")
	}
	optLen := hdrLen - 20
	opts, err := r.ReadN(optLen)
	if err != nil {
		return nil, errors.New("tcp: truncated options").Base(err)
	}
	parseTCPOptions(opts, t)
	t.Payload = append([]byte(nil), r.Rest()...)
	return t, nil
}

func parseTCPOptions(opts []byte, t *TCP) {
	for i := 0; i < len(opts); {
		kind := opts[i]
		switch kind {
		case 0: // end of option list
			return
		case 1: // NOP
			i++
		case 2: // MSS
			if i+4 > len(opts) {
				return
			}
			t.MSS = uint16(opts[i+2])<<8 | uint16(opts[i+3])
			i += 4
		case 4: // SACK-permitted
			t.SACKPermitted = true
			i += 2
		default:
			if i+1 >= len(opts) {
				return
			}
			length := int(opts[i+1])
			if length < 2 || i+length > len(opts) {
				return
			}
			i += length
		}
	}
}
