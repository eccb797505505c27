package dispatcher

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/iface"
	"github.com/inetsim/stack/ndp"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/route"
	"github.com/inetsim/stack/simkernel"
	"github.com/inetsim/stack/tcpstack"
)

// egress is the production outbound path shared by ARP, NDP, TCP, UDP, and
// ICMP: route lookup, neighbor resolution, and interface transmission
// (spec §4.1 "Dispatcher", §4.3 ARP, §4.4 NDP). Each protocol engine is
// handed one egress as its Sender; all it needs from the engine is which
// interface and payload, it sends on.
type egress struct {
	ctx *Context
}

func (e *egress) transmit(ifaceName string, kind simkernel.Kind, dst addr.MAC, payload []byte) {
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return
	}
	msg := &simkernel.Message{
		Kind:     kind,
		SrcMAC:   ifc.MAC,
		DstMAC:   dst,
		LastGate: ifc.Gate.Name(),
		Payload:  payload,
	}
	if err := ifc.Send(msg, len(payload)); err != nil {
		errors.LogDebugInner(nil, err, "dispatcher: egress send failed")
	}
}

func sourceV4(ifc *iface.Interface) (netip.Addr, bool) {
	for _, a := range ifc.Addrs {
		if a.V4.IsValid() && a.State == iface.AddrPreferred {
			return a.V4, true
		}
	}
	return netip.Addr{}, false
}

func sourceV6(ifc *iface.Interface) (netip.Addr, bool) {
	for _, a := range ifc.Addrs {
		if a.V6.IsValid() && a.State == iface.AddrPreferred {
			return a.V6, true
		}
	}
	return netip.Addr{}, false
}

// nextHop4 resolves which interface and link-layer next hop a packet to
// dst leaves on. A matching route's interface wins when the route names
// one; otherwise the caller-named ifaceName (e.g. a UDP socket's send_to
// iface) is used. With no matching route, ifaceName and dst are returned
// unchanged (spec §3 "Forwarding Table", §4.1 outcome (b)).
func (e *egress) nextHop4(ifaceName string, dst netip.Addr) (string, netip.Addr) {
	ent, ok := e.ctx.Routes4.Lookup(dst)
	if !ok {
		return ifaceName, dst
	}
	out := ent.Interface
	if out == "" {
		out = ifaceName
	}
	if ent.Kind == route.GatewayNext {
		return out, ent.NextHop
	}
	return out, dst
}

func (e *egress) nextHop6(ifaceName string, dst netip.Addr) (string, netip.Addr) {
	ent, ok := e.ctx.Routes6.Lookup(dst)
	if !ok {
		return ifaceName, dst
	}
	out := ent.Interface
	if out == "" {
		out = ifaceName
	}
	if ent.Kind == route.GatewayNext {
		return out, ent.NextHop
	}
	return out, dst
}

// sendV4 resolves the link-layer next hop for nextHop on ifaceName and
// hands the encoded IPv4 datagram off to the interface, buffering behind
// an ARP resolution if the neighbor isn't cached yet (spec §4.3).
func (e *egress) sendV4(ifaceName string, nextHop netip.Addr, raw []byte) {
	if _, ok := e.ctx.Ifaces[ifaceName]; !ok {
		return
	}
	if nextHop.IsMulticast() || nextHop.As4() == [4]byte{255, 255, 255, 255} {
		e.transmit(ifaceName, simkernel.KindIPv4, addr.Broadcast, raw)
		return
	}
	if mac, ok := e.ctx.ARP.Resolve(ifaceName, nextHop, raw); ok {
		e.transmit(ifaceName, simkernel.KindIPv4, mac, raw)
	}
}

// sendV6 is sendV4's NDP-driven counterpart (spec §4.4).
func (e *egress) sendV6(ifaceName string, nextHop netip.Addr, raw []byte) {
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return
	}
	if nextHop.IsMulticast() {
		e.transmit(ifaceName, simkernel.KindIPv6, addr.Broadcast, raw)
		return
	}
	srcMAC := ifc.MAC
	srcAddr, _ := sourceV6(ifc)
	if mac, ok := e.ctx.NDP.Resolve(ifaceName, nextHop, srcAddr, srcMAC, raw); ok {
		e.transmit(ifaceName, simkernel.KindIPv6, mac, raw)
	}
}

// --- arp.Sender ---

func (e *egress) SendRequest(ifaceName string, target netip.Addr) {
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return
	}
	src, ok := sourceV4(ifc)
	if !ok {
		return
	}
	req := &pkt.ARP{Op: pkt.ARPRequest, SenderMAC: ifc.MAC, SenderIP: src, TargetIP: target}
	e.transmit(ifaceName, simkernel.KindARP, addr.Broadcast, req.Encode())
}

func (e *egress) Flush(ifaceName string, target netip.Addr, mac addr.MAC, raw []byte) {
	e.transmit(ifaceName, simkernel.KindIPv4, mac, raw)
}

// HostUnreachable satisfies both arp.Sender and ndp.Sender: ARP exhausts
// retries for an IPv4 next hop, NDP for an IPv6 one, and each hands back
// the original buffered IP packet, so the version nibble in raw[0]
// distinguishes which decoder and ICMP family to use.
func (e *egress) HostUnreachable(ifaceName string, target netip.Addr, raw []byte) {
	if len(raw) == 0 {
		return
	}
	if raw[0]>>4 == 6 {
		p, err := pkt.DecodeIPv6(raw)
		if err != nil {
			return
		}
		e.ctx.ICMP.GenerateError(p.Src, uint8(pkt.ICMPv6DestUnreachable), 3, raw) // code 3: address unreachable
		return
	}
	p, err := pkt.DecodeIPv4(raw)
	if err != nil {
		return
	}
	// RFC 792: Destination Unreachable, code 1 (host unreachable).
	e.ctx.ICMP.GenerateError(p.Src, uint8(pkt.ICMPDestUnreachable), 1, raw)
}

// --- ndp.Sender ---

func (e *egress) SendNS(ifaceName string, target, src netip.Addr, srcMAC addr.MAC) {
	ns := pkt.NeighborSolicitation{Target: target, SourceLinkAddr: &srcMAC}
	body := (&pkt.ICMPv6{Type: pkt.ICMPv6NeighborSolicit, Body: ns.Encode()}).Encode(src, addr.SolicitedNodeMulticast(target))
	e.transmit(ifaceName, simkernel.KindICMPv6NDP, addr.Broadcast, body)
}

func (e *egress) SendNA(ifaceName string, dst netip.Addr, na pkt.NeighborAdvertisement, srcMAC addr.MAC) {
	body := (&pkt.ICMPv6{Type: pkt.ICMPv6NeighborAdvert, Body: na.Encode()}).Encode(na.Target, dst)
	e.transmit(ifaceName, simkernel.KindICMPv6NDP, addr.Broadcast, body)
}

func (e *egress) SendRS(ifaceName string, srcMAC addr.MAC) {
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return
	}
	src, _ := sourceV6(ifc)
	rs := pkt.RouterSolicitation{SourceLinkAddr: &srcMAC}
	body := (&pkt.ICMPv6{Type: pkt.ICMPv6RouterSolicit, Body: rs.Encode()}).Encode(src, linkLocalAllRouters)
	e.transmit(ifaceName, simkernel.KindICMPv6NDP, addr.Broadcast, body)
}

// linkLocalAllRouters is ff02::2, the RFC 4861 Router Solicitation
// destination (net/netip has no predefined constant for it).
var linkLocalAllRouters = netip.MustParseAddr("ff02::2")

// JoinSolicitedNode is a no-op here: this simulator delivers every
// link-layer message to every node on the gate, so there is no multicast
// membership filter to program (see simkernel.Gate).
func (e *egress) JoinSolicitedNode(ifaceName string, target netip.Addr) {}

// AddressStateChanged applies a DAD/SLAAC outcome to the bound address
// table (spec §4.4): Preferred makes the address usable, Duplicated
// removes it silently per spec §7.
func (e *egress) AddressStateChanged(ifaceName string, a netip.Addr, state ndp.AddrState) {
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return
	}
	for i := range ifc.Addrs {
		if ifc.Addrs[i].V6 != a {
			continue
		}
		if state == ndp.AddrDuplicated {
			ifc.Addrs = append(ifc.Addrs[:i], ifc.Addrs[i+1:]...)
			return
		}
		ifc.Addrs[i].State = iface.AddrState(state)
		return
	}
}

// --- tcpstack.Sender ---

func (e *egress) Send(q tcpstack.Quad, seg *pkt.TCP) error {
	if q.LocalAddr.Is4() {
		ifaceName, nextHop := e.nextHop4("", q.RemoteAddr)
		if ifaceName == "" {
			return errors.New("dispatcher: no route to host").AtWarning()
		}
		raw := seg.EncodeV4(q.LocalAddr, q.RemoteAddr)
		ip := &pkt.IPv4{TTL: 64, Proto: pkt.ProtoTCP, Src: q.LocalAddr, Dst: q.RemoteAddr, Payload: raw}
		e.sendV4(ifaceName, nextHop, ip.Encode())
		return nil
	}
	ifaceName, nextHop := e.nextHop6("", q.RemoteAddr)
	if ifaceName == "" {
		return errors.New("dispatcher: no route to host").AtWarning()
	}
	raw := seg.EncodeV6(q.LocalAddr, q.RemoteAddr)
	ip6 := &pkt.IPv6{HopLimit: 64, NextHeader: pkt.ProtoTCP, Src: q.LocalAddr, Dst: q.RemoteAddr, Payload: raw}
	e.sendV6(ifaceName, nextHop, ip6.Encode())
	return nil
}

// Notify is reserved for a future fd-level readiness registry shared
// across protocols; per-connection interest is already served by the
// waker list in Connection, so there is nothing more to do here.
func (e *egress) Notify(fd uint32, kind string) {}

// --- udpstack.Sender ---

func (e *egress) SendDatagram(ifaceName string, src, dst netip.Addr, srcPort, dstPort addr.Port, payload []byte) error {
	u := &pkt.UDP{SrcPort: srcPort, DstPort: dstPort, Payload: payload}
	if dst.Is4() {
		out, nextHop := e.nextHop4(ifaceName, dst)
		if out == "" {
			return errors.New("dispatcher: no route to host").AtWarning()
		}
		ip := &pkt.IPv4{TTL: 64, Proto: pkt.ProtoUDP, Src: src, Dst: dst, Payload: u.EncodeV4(src, dst)}
		e.sendV4(out, nextHop, ip.Encode())
		return nil
	}
	out, nextHop := e.nextHop6(ifaceName, dst)
	if out == "" {
		return errors.New("dispatcher: no route to host").AtWarning()
	}
	ip6 := &pkt.IPv6{HopLimit: 64, NextHeader: pkt.ProtoUDP, Src: src, Dst: dst, Payload: u.EncodeV6(src, dst)}
	e.sendV6(out, nextHop, ip6.Encode())
	return nil
}

func (e *egress) PortUnreachable(src netip.Addr, srcPort addr.Port, dst netip.Addr, dstPort addr.Port, offending []byte) {
	u := &pkt.UDP{SrcPort: srcPort, DstPort: dstPort, Payload: offending}
	if src.Is4() {
		ip := &pkt.IPv4{TTL: 64, Proto: pkt.ProtoUDP, Src: src, Dst: dst, Payload: u.EncodeV4(src, dst)}
		e.ctx.ICMP.GenerateError(dst, uint8(pkt.ICMPDestUnreachable), 3, ip.Encode()) // code 3: port unreachable
		return
	}
	ip6 := &pkt.IPv6{HopLimit: 64, NextHeader: pkt.ProtoUDP, Src: src, Dst: dst, Payload: u.EncodeV6(src, dst)}
	e.ctx.ICMP.GenerateError(dst, uint8(pkt.ICMPv6DestUnreachable), 4, ip6.Encode()) // code 4: port unreachable
}

// --- icmpstack.Sender ---

func (e *egress) SendEcho(dst netip.Addr, id, seq uint16, data []byte) error {
	icmpMsg := &pkt.ICMP{Type: pkt.ICMPEchoRequest, Identifier: id, Sequence: seq, Data: data}
	return e.sendICMP(dst, icmpMsg.Encode())
}

func (e *egress) SendError(dst netip.Addr, icmpType, code uint8, offending []byte) error {
	if dst.Is4() {
		icmpMsg := &pkt.ICMP{Type: pkt.ICMPType(icmpType), Code: code, Data: offending}
		return e.sendICMP(dst, icmpMsg.Encode())
	}
	icmp6 := &pkt.ICMPv6{Type: pkt.ICMPv6Type(icmpType), Code: code, Body: offending}
	ifaceName, nextHop := e.nextHop6("", dst)
	if ifaceName == "" {
		return errors.New("dispatcher: no route to host").AtWarning()
	}
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return errors.New("dispatcher: unknown interface").AtWarning()
	}
	src, _ := sourceV6(ifc)
	ip6 := &pkt.IPv6{HopLimit: 64, NextHeader: pkt.ProtoICMPv6, Src: src, Dst: dst, Payload: icmp6.Encode(src, dst)}
	e.sendV6(ifaceName, nextHop, ip6.Encode())
	return nil
}

func (e *egress) sendICMP(dst netip.Addr, raw []byte) error {
	ifaceName, nextHop := e.nextHop4("", dst)
	if ifaceName == "" {
		return errors.New("dispatcher: no route to host").AtWarning()
	}
	ifc, ok := e.ctx.Ifaces[ifaceName]
	if !ok {
		return errors.New("dispatcher: unknown interface").AtWarning()
	}
	src, _ := sourceV4(ifc)
	ip := &pkt.IPv4{TTL: 64, Proto: pkt.ProtoICMP, Src: src, Dst: dst, Payload: raw}
	e.sendV4(ifaceName, nextHop, ip.Encode())
	return nil
}
