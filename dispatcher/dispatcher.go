// Package dispatcher is the IO context: the per-node singleton that
// routes every simulator message to the right protocol handler on
// ingress and hands outbound packets to the right interface on egress
// (spec §3 "IO Context", §4.1 "Dispatcher").
package dispatcher

import (
	"net/netip"
	"time"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/arp"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/iface"
	"github.com/inetsim/stack/icmpstack"
	"github.com/inetsim/stack/ndp"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/route"
	"github.com/inetsim/stack/simkernel"
	"github.com/inetsim/stack/socket"
	"github.com/inetsim/stack/tcpstack"
	"github.com/inetsim/stack/udpstack"
)

// Outcome classifies how an ingress message was handled (spec §4.1).
type Outcome uint8

const (
	OutcomeConsumed Outcome = iota
	OutcomeLinkLevel
	OutcomeNetworkLevel
	OutcomePassThrough
	OutcomeDropped
)

// Context is the per-node IO context singleton: interface table, socket
// table, per-protocol engines, routing tables, and the fd counter.
type Context struct {
	Ifaces  map[string]*iface.Interface
	Sockets *socket.Table
	Routes4 *route.Tables
	Routes6 *route.Tables

	ARP *arp.Cache
	NDP *ndp.State

	TCP  *tcpstack.Engine
	UDP  *udpstack.Engine
	ICMP *icmpstack.Engine

	Router bool // node forwards transit traffic (spec §4.1 "if this node is a router")

	clock simkernel.Clock
	sched simkernel.Scheduler
	eg    *egress

	nextFD uint32

	PassThrough func(msg *simkernel.Message)
}

// New builds a fully wired IO context: the interface/socket/route tables
// plus the ARP, NDP, TCP, UDP, and ICMP engines, each driven by a shared
// egress Sender that resolves next hops and transmits on the right
// interface (spec §4.1, §4.3, §4.4). rng seeds TCP ISS selection and NDP
// jitter the same way across a deterministic run.
func New(clock simkernel.Clock, sched simkernel.Scheduler, rng simkernel.RNG) *Context {
	ctx := &Context{
		Ifaces:  make(map[string]*iface.Interface),
		Sockets: socket.NewTable(),
		Routes4: route.NewTables(),
		Routes6: route.NewTables(),
		clock:   clock,
		sched:   sched,
		nextFD:  1,
	}
	ctx.eg = &egress{ctx: ctx}
	ctx.ARP = arp.New(clock, sched, ctx.eg)
	ctx.NDP = ndp.New(ndp.DefaultConfig(), clock, sched, rng, ctx.eg)
	ctx.TCP = tcpstack.NewEngine(tcpstack.DefaultConfig(), clock, sched, rng, ctx.eg)
	ctx.UDP = udpstack.New(ctx.Sockets, ctx.eg)
	ctx.ICMP = icmpstack.New(clock, sched, ctx.eg)
	return ctx
}

func (ctx *Context) AllocFD() uint32 {
	fd := ctx.nextFD
	ctx.nextFD++
	return fd
}

// OnMessage classifies and routes one inbound simulator message (spec
// §4.1). It returns the Outcome for observability/testing.
func (ctx *Context) OnMessage(msg *simkernel.Message) Outcome {
	switch msg.Kind {
	case simkernel.KindLinkUnbusy, simkernel.KindIOTimeout:
		return OutcomeConsumed
	case simkernel.KindARP:
		ctx.handleARP(msg)
		return OutcomeLinkLevel
	case simkernel.KindICMPv6NDP:
		ctx.handleNDP(msg)
		return OutcomeLinkLevel
	case simkernel.KindIPv4:
		ctx.handleIPv4(msg)
		return OutcomeNetworkLevel
	case simkernel.KindIPv6:
		ctx.handleIPv6(msg)
		return OutcomeNetworkLevel
	default:
		if ctx.PassThrough != nil {
			ctx.PassThrough(msg)
		}
		return OutcomePassThrough
	}
}

func (ctx *Context) ifaceByGate(lastGate string) (*iface.Interface, bool) {
	for _, i := range ctx.Ifaces {
		if i.Gate != nil && i.Gate.Name() == lastGate {
			return i, true
		}
	}
	return nil, false
}

func (ctx *Context) handleARP(msg *simkernel.Message) {
	raw, ok := msg.Payload.([]byte)
	if !ok {
		return
	}
	ifc, ok := ctx.ifaceByGate(msg.LastGate)
	if !ok {
		return
	}
	a, err := pkt.DecodeARP(raw)
	if err != nil {
		errors.LogDebugInner(nil, err, "dispatcher: malformed ARP")
		return
	}
	switch a.Op {
	case pkt.ARPReply:
		ctx.ARP.OnReply(ifc.Name, a.SenderIP, a.SenderMAC)
	case pkt.ARPRequest:
		if ifc.HasV4(a.TargetIP) {
			ctx.sendARPReply(ifc, a)
		}
	}
}

// sendARPReply answers an ARP request for one of this node's own
// addresses (spec §4.3): the request's sender becomes the reply's
// target, addressed directly to the requester's MAC.
func (ctx *Context) sendARPReply(ifc *iface.Interface, req *pkt.ARP) {
	reply := &pkt.ARP{
		Op:        pkt.ARPReply,
		SenderMAC: ifc.MAC,
		SenderIP:  req.TargetIP,
		TargetMAC: req.SenderMAC,
		TargetIP:  req.SenderIP,
	}
	ctx.eg.transmit(ifc.Name, simkernel.KindARP, req.SenderMAC, reply.Encode())
}

func (ctx *Context) handleNDP(msg *simkernel.Message) {
	raw, ok := msg.Payload.([]byte)
	if !ok {
		return
	}
	ifc, ok := ctx.ifaceByGate(msg.LastGate)
	if !ok {
		return
	}
	icmp6, err := pkt.DecodeICMPv6(raw)
	if err != nil {
		errors.LogDebugInner(nil, err, "dispatcher: malformed ICMPv6")
		return
	}
	switch icmp6.Type {
	case pkt.ICMPv6NeighborAdvert:
		na, err := pkt.DecodeNeighborAdvertisement(icmp6.Body)
		if err == nil {
			drained := ctx.NDP.OnNeighborAdvertisement(ifc.Name, na)
			if n, ok := ctx.NDP.Lookup(ifc.Name, na.Target); ok {
				for _, raw := range drained {
					ctx.eg.transmit(ifc.Name, simkernel.KindIPv6, n.MAC, raw)
				}
			}
			ctx.NDP.FailDAD(ifc.Name, na.Target)
		}
	case pkt.ICMPv6NeighborSolicit:
		ns, err := pkt.DecodeNeighborSolicitation(icmp6.Body)
		if err == nil {
			ctx.NDP.OnNeighborSolicitation(ifc.Name, ns, netip.Addr{})
		}
	case pkt.ICMPv6RouterAdvert:
		ra, err := pkt.DecodeRouterAdvertisement(icmp6.Body)
		if err == nil {
			ctx.applyRA(ifc.Name, ra)
		}
	}
}

func (ctx *Context) applyRA(ifaceName string, ra pkt.RouterAdvertisement) {
	for _, p := range ra.Prefixes {
		prefix := netip.PrefixFrom(p.Prefix, int(p.PrefixLength))
		ctx.NDP.AddPrefix(ifaceName, prefix, p.Autonomous, time.Duration(p.ValidLifetime)*time.Second)
	}
}

func (ctx *Context) handleIPv4(msg *simkernel.Message) {
	raw, ok := msg.Payload.([]byte)
	if !ok {
		return
	}
	p, err := pkt.DecodeIPv4(raw)
	if err != nil {
		errors.LogDebugInner(nil, err, "dispatcher: malformed IPv4")
		return
	}
	ctx.demuxIPv4(p)
}

func (ctx *Context) demuxIPv4(p *pkt.IPv4) {
	if ctx.isLocalV4(p.Dst) {
		ctx.deliverV4(p)
		return
	}
	if ctx.Router {
		ctx.forwardV4(p)
		return
	}
	// not for us and not a router: drop
}

// forwardV4 re-emits a transit packet on the egress interface named by
// the matching route, resolving the next hop via ARP (spec §4.1 outcome
// (b), §4.8). Packets with no matching route are dropped silently.
func (ctx *Context) forwardV4(p *pkt.IPv4) {
	ent, ok := ctx.Routes4.Lookup(p.Dst)
	if !ok {
		return
	}
	nextHop := p.Dst
	if ent.Kind == route.GatewayNext {
		nextHop = ent.NextHop
	}
	ctx.eg.sendV4(ent.Interface, nextHop, p.Encode())
}

func (ctx *Context) isLocalV4(dst netip.Addr) bool {
	for _, i := range ctx.Ifaces {
		if i.HasV4(dst) {
			return true
		}
	}
	return dst == netip.IPv4Unspecified() || dst.IsMulticast() || dst.As4() == [4]byte{255, 255, 255, 255}
}

func (ctx *Context) deliverV4(p *pkt.IPv4) {
	switch p.Proto {
	case pkt.ProtoTCP:
		seg, err := pkt.DecodeTCP(p.Payload)
		if err != nil {
			errors.LogDebugInner(nil, err, "dispatcher: malformed TCP")
			return
		}
		ctx.TCP.Deliver(p.Dst, p.Src, seg.DstPort, seg.SrcPort, seg, ctx.AllocFD)
	case pkt.ProtoUDP:
		dgram, err := pkt.DecodeUDP(p.Payload)
		if err != nil {
			errors.LogDebugInner(nil, err, "dispatcher: malformed UDP")
			return
		}
		ctx.UDP.Deliver("", p.Src, p.Dst, dgram.SrcPort, dgram.DstPort, dgram.Payload)
	case pkt.ProtoICMP:
		icmpMsg, err := pkt.DecodeICMP(p.Payload)
		if err != nil {
			errors.LogDebugInner(nil, err, "dispatcher: malformed ICMP")
			return
		}
		if icmpMsg.Type == pkt.ICMPEchoReply {
			ctx.ICMP.OnEchoReply(icmpMsg)
		}
	}
}

func (ctx *Context) handleIPv6(msg *simkernel.Message) {
	raw, ok := msg.Payload.([]byte)
	if !ok {
		return
	}
	p, err := pkt.DecodeIPv6(raw)
	if err != nil {
		errors.LogDebugInner(nil, err, "dispatcher: malformed IPv6")
		return
	}
	if !ctx.isLocalV6(p.Dst) {
		if ctx.Router {
			ctx.forwardV6(p)
		}
		return
	}
	switch p.NextHeader {
	case pkt.ProtoTCP:
		seg, err := pkt.DecodeTCP(p.Payload)
		if err == nil {
			ctx.TCP.Deliver(p.Dst, p.Src, seg.DstPort, seg.SrcPort, seg, ctx.AllocFD)
		}
	case pkt.ProtoUDP:
		dgram, err := pkt.DecodeUDP(p.Payload)
		if err == nil {
			ctx.UDP.Deliver("", p.Src, p.Dst, dgram.SrcPort, dgram.DstPort, dgram.Payload)
		}
	}
}

// forwardV6 is forwardV4's NDP-driven counterpart (spec §4.1 outcome
// (b), §4.8).
func (ctx *Context) forwardV6(p *pkt.IPv6) {
	ent, ok := ctx.Routes6.Lookup(p.Dst)
	if !ok {
		return
	}
	nextHop := p.Dst
	if ent.Kind == route.GatewayNext {
		nextHop = ent.NextHop
	}
	ctx.eg.sendV6(ent.Interface, nextHop, p.Encode())
}

func (ctx *Context) isLocalV6(dst netip.Addr) bool {
	for _, i := range ctx.Ifaces {
		if i.HasV6(dst) {
			return true
		}
	}
	return dst.IsMulticast()
}

// AddInterface registers a new interface, owned exclusively by this context.
func (ctx *Context) AddInterface(name string, mac addr.MAC, gate simkernel.Gate) *iface.Interface {
	ifc := iface.New(name, mac, gate, ctx.clock, ctx.sched)
	ctx.Ifaces[name] = ifc
	return ifc
}
