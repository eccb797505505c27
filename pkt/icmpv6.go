package pkt

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// ICMPv6Type is the ICMPv6 message type (RFC 4443, RFC 4861).
type ICMPv6Type uint8

const (
	ICMPv6DestUnreachable ICMPv6Type = 1
	ICMPv6TimeExceeded    ICMPv6Type = 3
	ICMPv6EchoRequest     ICMPv6Type = 128
	ICMPv6EchoReply       ICMPv6Type = 129
	ICMPv6RouterSolicit   ICMPv6Type = 133
	ICMPv6RouterAdvert    ICMPv6Type = 134
	ICMPv6NeighborSolicit ICMPv6Type = 135
	ICMPv6NeighborAdvert  ICMPv6Type = 136
)

// ICMPv6 is the common ICMPv6 envelope; Body holds the type-specific
// payload already encoded (echo data, or an NDP message body+options).
type ICMPv6 struct {
	Type ICMPv6Type
	Code uint8
	Body []byte
}

func (m *ICMPv6) Encode(src, dst netip.Addr) []byte {
	w := wire.NewWriter()
	w.WriteByte(uint8(m.Type))
	w.WriteByte(m.Code)
	csumMarker := w.CreateMarker(2)
	w.Write(m.Body)

	pseudo := pseudoHeaderChecksumV6(uint8(ProtoICMPv6), src.As16(), dst.As16(), uint32(len(w.Bytes())))
	cs := checksumCombine(pseudo, checksum(w.Bytes(), 0))
	w.UpdateMarker(csumMarker, uint32(^cs))

	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeICMPv6(b []byte) (*ICMPv6, error) {
	if len(b) < 4 {
		return nil, errors.New("icmpv6: short header")
	}
	return &ICMPv6{Type: ICMPv6Type(b[0]), Code: b[1], Body: append([]byte(nil), b[4:]...)}, nil
}

// NDP option types (RFC 4861 §4.6).
const (
	NDPOptSourceLinkAddr NDPOptionType = 1
	NDPOptTargetLinkAddr NDPOptionType = 2
	NDPOptPrefixInfo     NDPOptionType = 3
	NDPOptMTU            NDPOptionType = 5
)

type NDPOptionType uint8

// NDPOption is one TLV option trailing an NDP message body.
type NDPOption struct {
	Type NDPOptionType
	Data []byte
}

func encodeNDPOptions(w *wire.Writer, opts []NDPOption) {
	for _, o := range opts {
		lenWords := (2 + len(o.Data) + 7) / 8
		w.WriteByte(uint8(o.Type))
		w.WriteByte(uint8(lenWords))
		w.Write(o.Data)
		for pad := lenWords*8 - 2 - len(o.Data); pad > 0; pad-- {
			w.WriteByte(0)
		}
	}
}

func decodeNDPOptions(b []byte) ([]NDPOption, error) {
	var opts []NDPOption
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errors.New("ndp: truncated option header")
		}
		typ := b[0]
		lenWords := int(b[1])
		if lenWords == 0 || lenWords*8 > len(b) {
			return nil, errors.New("ndp: invalid option length")
		}
		opts = append(opts, NDPOption{Type: NDPOptionType(typ), Data: append([]byte(nil), b[2:lenWords*8]...)})
		b = b[lenWords*8:]
	}
	return opts, nil
}

// LinkAddrOption builds a Source/Target Link-Layer Address option body.
func LinkAddrOption(mac addr.MAC) []byte { return mac[:] }

// PrefixInfo is the Prefix Information option body (RFC 4861 §4.6.2).
type PrefixInfo struct {
	PrefixLength      uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            netip.Addr
}

func (p PrefixInfo) encode() []byte {
	w := wire.NewWriter()
	w.WriteByte(p.PrefixLength)
	var flags uint8
	if p.OnLink {
		flags |= 0x80
	}
	if p.Autonomous {
		flags |= 0x40
	}
	w.WriteByte(flags)
	w.WriteUint32(p.ValidLifetime)
	w.WriteUint32(p.PreferredLifetime)
	w.WriteUint32(0) // reserved
	prefix := p.Prefix.As16()
	w.Write(prefix[:])
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func decodePrefixInfo(b []byte) (PrefixInfo, error) {
	if len(b) < 30 {
		return PrefixInfo{}, errors.New("ndp: truncated prefix information option")
	}
	p := PrefixInfo{
		PrefixLength:      b[0],
		OnLink:            b[1]&0x80 != 0,
		Autonomous:        b[1]&0x40 != 0,
		ValidLifetime:     uint32(b[2])<<24 | uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
		PreferredLifetime: uint32(b[6])<<24 | uint32(b[7])<<16 | uint32(b[8])<<8 | uint32(b[9]),
	}
	p.Prefix = netip.AddrFrom16([16]byte(b[14:30]))
	return p, nil
}

// RouterSolicitation is an ICMPv6 Router Solicitation message body.
type RouterSolicitation struct {
	SourceLinkAddr *addr.MAC
}

func (r RouterSolicitation) Encode() []byte {
	w := wire.NewWriter()
	w.WriteUint32(0) // reserved
	if r.SourceLinkAddr != nil {
		encodeNDPOptions(w, []NDPOption{{Type: NDPOptSourceLinkAddr, Data: LinkAddrOption(*r.SourceLinkAddr)}})
	}
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeRouterSolicitation(b []byte) (RouterSolicitation, error) {
	if len(b) < 4 {
		return RouterSolicitation{}, errors.New("ndp: truncated RS")
	}
	opts, err := decodeNDPOptions(b[4:])
	if err != nil {
		return RouterSolicitation{}, err
	}
	rs := RouterSolicitation{}
	for _, o := range opts {
		if o.Type == NDPOptSourceLinkAddr && len(o.Data) >= 6 {
			var m addr.MAC
			copy(m[:], o.Data)
			rs.SourceLinkAddr = &m
		}
	}
	return rs, nil
}

// RouterAdvertisement is an ICMPv6 Router Advertisement message body.
type RouterAdvertisement struct {
	CurHopLimit    uint8
	ManagedAddrCfg bool
	OtherCfg       bool
	RouterLifetime uint16
	ReachableTime  uint32
	RetransTimer   uint32
	SourceLinkAddr *addr.MAC
	MTU            *uint32
	Prefixes       []PrefixInfo
}

func (r RouterAdvertisement) Encode() []byte {
	w := wire.NewWriter()
	w.WriteByte(r.CurHopLimit)
	var flags uint8
	if r.ManagedAddrCfg {
		flags |= 0x80
	}
	if r.OtherCfg {
		flags |= 0x40
	}
	w.WriteByte(flags)
	w.WriteUint16(r.RouterLifetime)
	w.WriteUint32(r.ReachableTime)
	w.WriteUint32(r.RetransTimer)
	var opts []NDPOption
	if r.SourceLinkAddr != nil {
		opts = append(opts, NDPOption{Type: NDPOptSourceLinkAddr, Data: LinkAddrOption(*r.SourceLinkAddr)})
	}
	if r.MTU != nil {
		mw := wire.NewWriter()
		mw.WriteUint16(0)
		mw.WriteUint32(*r.MTU)
		opts = append(opts, NDPOption{Type: NDPOptMTU, Data: append([]byte(nil), mw.Bytes()...)})
		mw.Release()
	}
	for _, p := range r.Prefixes {
		opts = append(opts, NDPOption{Type: NDPOptPrefixInfo, Data: p.encode()})
	}
	encodeNDPOptions(w, opts)
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeRouterAdvertisement(b []byte) (RouterAdvertisement, error) {
	if len(b) < 12 {
		return RouterAdvertisement{}, errors.New("ndp: truncated RA")
	}
	ra := RouterAdvertisement{
		CurHopLimit:    b[0],
		ManagedAddrCfg: b[1]&0x80 != 0,
		OtherCfg:       b[1]&0x40 != 0,
		RouterLifetime: uint16(b[2])<<8 | uint16(b[3]),
		ReachableTime:  uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		RetransTimer:   uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
	}
	opts, err := decodeNDPOptions(b[12:])
	if err != nil {
		return RouterAdvertisement{}, err
	}
	for _, o := range opts {
		switch o.Type {
		case NDPOptSourceLinkAddr:
			if len(o.Data) >= 6 {
				var m addr.MAC
				copy(m[:], o.Data)
				ra.SourceLinkAddr = &m
			}
		case NDPOptPrefixInfo:
			pi, err := decodePrefixInfo(o.Data)
			if err == nil {
				ra.Prefixes = append(ra.Prefixes, pi)
			}
		}
	}
	return ra, nil
}

// NeighborSolicitation is an ICMPv6 Neighbor Solicitation message body.
type NeighborSolicitation struct {
	Target         netip.Addr
	SourceLinkAddr *addr.MAC
}

func (n NeighborSolicitation) Encode() []byte {
	w := wire.NewWriter()
	w.WriteUint32(0)
	target := n.Target.As16()
	w.Write(target[:])
	if n.SourceLinkAddr != nil {
		encodeNDPOptions(w, []NDPOption{{Type: NDPOptSourceLinkAddr, Data: LinkAddrOption(*n.SourceLinkAddr)}})
	}
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeNeighborSolicitation(b []byte) (NeighborSolicitation, error) {
	if len(b) < 20 {
		return NeighborSolicitation{}, errors.New("ndp: truncated NS")
	}
	ns := NeighborSolicitation{Target: netip.AddrFrom16([16]byte(b[4:20]))}
	opts, err := decodeNDPOptions(b[20:])
	if err != nil {
		return NeighborSolicitation{}, err
	}
	for _, o := range opts {
		if o.Type == NDPOptSourceLinkAddr && len(o.Data) >= 6 {
			var m addr.MAC
			copy(m[:], o.Data)
			ns.SourceLinkAddr = &m
		}
	}
	return ns, nil
}

// NeighborAdvertisement is an ICMPv6 Neighbor Advertisement message body.
type NeighborAdvertisement struct {
	Router         bool
	Solicited      bool
	Override       bool
	Target         netip.Addr
	TargetLinkAddr *addr.MAC
}

func (n NeighborAdvertisement) Encode() []byte {
	w := wire.NewWriter()
	var flags uint32
	if n.Router {
		flags |= 0x80000000
	}
	if n.Solicited {
		flags |= 0x40000000
	}
	if n.Override {
		flags |= 0x20000000
	}
	w.WriteUint32(flags)
	target := n.Target.As16()
	w.Write(target[:])
	if n.TargetLinkAddr != nil {
		encodeNDPOptions(w, []NDPOption{{Type: NDPOptTargetLinkAddr, Data: LinkAddrOption(*n.TargetLinkAddr)}})
	}
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeNeighborAdvertisement(b []byte) (NeighborAdvertisement, error) {
	if len(b) < 20 {
		return NeighborAdvertisement{}, errors.New("ndp: truncated NA")
	}
	flags := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	na := NeighborAdvertisement{
		Router:    flags&0x80000000 != 0,
		Solicited: flags&0x40000000 != 0,
		Override:  flags&0x20000000 != 0,
		Target:    netip.AddrFrom16([16]byte(b[4:20])),
	}
	opts, err := decodeNDPOptions(b[20:])
	if err != nil {
		return NeighborAdvertisement{}, err
	}
	for _, o := range opts {
		if o.Type == NDPOptTargetLinkAddr && len(o.Data) >= 6 {
			var m addr.MAC
			copy(m[:], o.Data)
			na.TargetLinkAddr = &m
		}
	}
	return na, nil
}
