package dispatcher

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/arp"
	"github.com/inetsim/stack/icmpstack"
	"github.com/inetsim/stack/iface"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simkernel"
	"github.com/inetsim/stack/simtest"
	"github.com/inetsim/stack/socket"
	"github.com/inetsim/stack/udpstack"
)

type fakeARPSender struct {
	replies []netip.Addr
}

func (f *fakeARPSender) SendRequest(ifaceName string, target netip.Addr) {}
func (f *fakeARPSender) Flush(ifaceName string, target netip.Addr, mac addr.MAC, pkt []byte) {
	f.replies = append(f.replies, target)
}
func (f *fakeARPSender) HostUnreachable(ifaceName string, target netip.Addr, pkt []byte) {}

type fakeICMPSender struct{}

func (fakeICMPSender) SendEcho(dst netip.Addr, id, seq uint16, data []byte) error { return nil }
func (fakeICMPSender) SendError(dst netip.Addr, icmpType, code uint8, offending []byte) error {
	return nil
}

type fakeUDPSender struct{}

func (fakeUDPSender) SendDatagram(iface string, src, dst netip.Addr, srcPort, dstPort addr.Port, payload []byte) error {
	return nil
}
func (fakeUDPSender) PortUnreachable(src netip.Addr, srcPort addr.Port, dst netip.Addr, dstPort addr.Port, offending []byte) {
}

func newTestContext(t *testing.T) (*Context, *simtest.Kernel) {
	t.Helper()
	k := simtest.NewKernel(1)
	ctx := New(k, k, k)
	k.AddGate("eth0", 1_000_000, 0, func(msg *simkernel.Message) { ctx.OnMessage(msg) })
	ctx.AddInterface("eth0", addr.MAC{1, 2, 3, 4, 5, 6}, mustGate(k, "eth0"))
	ctx.ARP = arp.New(k, k, &fakeARPSender{})
	ctx.ICMP = icmpstack.New(k, k, fakeICMPSender{})
	ctx.UDP = udpstack.New(socket.NewTable(), fakeUDPSender{})
	return ctx, k
}

func mustGate(k *simtest.Kernel, name string) simkernel.Gate {
	g, _ := k.Gate(name)
	return g
}

func TestOnMessageClassifiesARPReplyAsLinkLevel(t *testing.T) {
	ctx, _ := newTestContext(t)

	a := &pkt.ARP{
		Op:        pkt.ARPReply,
		SenderMAC: addr.MAC{9, 9, 9, 9, 9, 9},
		SenderIP:  netip.MustParseAddr("10.0.0.2"),
		TargetMAC: addr.MAC{1, 2, 3, 4, 5, 6},
		TargetIP:  netip.MustParseAddr("10.0.0.1"),
	}
	msg := &simkernel.Message{Kind: simkernel.KindARP, LastGate: "eth0", Payload: a.Encode()}

	outcome := ctx.OnMessage(msg)
	if outcome != OutcomeLinkLevel {
		t.Fatalf("expected OutcomeLinkLevel, got %v", outcome)
	}

	if _, ok := ctx.ARP.Lookup("eth0", netip.MustParseAddr("10.0.0.2")); !ok {
		t.Fatalf("expected ARP cache populated from the reply")
	}
}

func TestOnMessageDeliversEchoReplyToICMPEngine(t *testing.T) {
	ctx, _ := newTestContext(t)

	var gotPing icmpstack.PingResult
	var got bool
	ctx.ICMP.Ping(netip.MustParseAddr("10.0.0.9"), 1, 0, func(r icmpstack.PingResult) {
		gotPing = r
		got = true
	})

	// The engine allocates ids starting at 1; this is the first ping issued.
	icmpMsg := &pkt.ICMP{Type: pkt.ICMPEchoReply, Identifier: 1, Sequence: 0}
	ipv4 := &pkt.IPv4{
		Src: netip.MustParseAddr("10.0.0.9"), Dst: netip.MustParseAddr("10.0.0.1"),
		Proto: pkt.ProtoICMP, Payload: icmpMsg.Encode(),
	}
	ctx.Ifaces["eth0"].AddAddr(iface.BoundAddr{V4: netip.MustParseAddr("10.0.0.1"), V4Mask: 24, State: iface.AddrPreferred})
	msg := &simkernel.Message{Kind: simkernel.KindIPv4, LastGate: "eth0", Payload: ipv4.Encode()}

	outcome := ctx.OnMessage(msg)
	if outcome != OutcomeNetworkLevel {
		t.Fatalf("expected OutcomeNetworkLevel, got %v", outcome)
	}
	if !got || gotPing.Received != 1 {
		t.Fatalf("expected the ping to be satisfied by the delivered echo reply, got %+v got=%v", gotPing, got)
	}
}

func TestOnMessageUnknownKindGoesPassThrough(t *testing.T) {
	ctx, _ := newTestContext(t)
	called := false
	ctx.PassThrough = func(msg *simkernel.Message) { called = true }

	outcome := ctx.OnMessage(&simkernel.Message{Kind: simkernel.KindUnknown})
	if outcome != OutcomePassThrough || !called {
		t.Fatalf("expected pass-through handling for an unrecognized kind")
	}
}
