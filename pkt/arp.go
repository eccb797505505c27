package pkt

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/wire"
)

// ARPOp is the ARP operation code (RFC 826).
type ARPOp uint16

const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

// ARP is an IPv4-over-Ethernet ARP packet.
type ARP struct {
	Op      ARPOp
	SenderMAC addr.MAC
	SenderIP  netip.Addr
	TargetMAC addr.MAC
	TargetIP  netip.Addr
}

func (a *ARP) Encode() []byte {
	w := wire.NewWriter()
	w.WriteUint16(1)      // hardware type: Ethernet
	w.WriteUint16(0x0800) // protocol type: IPv4
	w.WriteByte(6)        // hardware address length
	w.WriteByte(4)        // protocol address length
	w.WriteUint16(uint16(a.Op))
	w.Write(a.SenderMAC[:])
	w.Write(a.SenderIP.As4()[:])
	w.Write(a.TargetMAC[:])
	w.Write(a.TargetIP.As4()[:])
	out := append([]byte(nil), w.Bytes()...)
	w.Release()
	return out
}

func DecodeARP(b []byte) (*ARP, error) {
	r := wire.NewReader(b)
	if _, err := r.ReadUint16(); err != nil {
		return nil, errors.New("arp: truncated htype").Base(err)
	}
	if _, err := r.ReadUint16(); err != nil {
		return nil, errors.New("arp: truncated ptype").Base(err)
	}
	hlen, err := r.ReadByte()
	if err != nil || hlen != 6 {
		return nil, errors.New("arp: unsupported hardware address length")
	}
	plen, err := r.ReadByte()
	if err != nil || plen != 4 {
		return nil, errors.New("arp: unsupported protocol address length")
	}
	op, err := r.ReadUint16()
	if err != nil {
		return nil, errors.New("arp: truncated op").Base(err)
	}
	smac, err := r.ReadN(6)
	if err != nil {
		return nil, errors.New("arp: truncated sender mac").Base(err)
	}
	sip, err := r.ReadN(4)
	if err != nil {
		return nil, errors.New("arp: truncated sender ip").Base(err)
	}
	tmac, err := r.ReadN(6)
	if err != nil {
		return nil, errors.New("arp: truncated target mac").Base(err)
	}
	tip, err := r.ReadN(4)
	if err != nil {
		return nil, errors.New("arp: truncated target ip").Base(err)
	}
	a := &ARP{Op: ARPOp(op)}
	copy(a.SenderMAC[:], smac)
	copy(a.TargetMAC[:], tmac)
	a.SenderIP = netip.AddrFrom4([4]byte(sip))
	a.TargetIP = netip.AddrFrom4([4]byte(tip))
	return a, nil
}
