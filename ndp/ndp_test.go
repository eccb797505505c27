package ndp

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simtest"
)

type fakeSender struct {
	nsSent       int
	dadStates    map[netip.Addr]AddrState
	unreachCount int
}

func newFakeSender() *fakeSender { return &fakeSender{dadStates: make(map[netip.Addr]AddrState)} }

func (f *fakeSender) SendNS(iface string, target, src netip.Addr, srcMAC addr.MAC) { f.nsSent++ }
func (f *fakeSender) SendNA(iface string, dst netip.Addr, na pkt.NeighborAdvertisement, srcMAC addr.MAC) {
}
func (f *fakeSender) SendRS(iface string, srcMAC addr.MAC)          {}
func (f *fakeSender) JoinSolicitedNode(iface string, target netip.Addr) {}
func (f *fakeSender) AddressStateChanged(iface string, a netip.Addr, state AddrState) {
	f.dadStates[a] = state
}
func (f *fakeSender) HostUnreachable(iface string, target netip.Addr, pkt []byte) { f.unreachCount++ }

func TestResolveIncompleteThenAdvertisementDrainsBuffer(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := newFakeSender()
	s := New(DefaultConfig(), k, k, k, sender)

	target := netip.MustParseAddr("fe80::2")
	_, ok := s.Resolve("eth0", target, netip.MustParseAddr("fe80::1"), addr.MAC{1, 2, 3, 4, 5, 6}, []byte("payload"))
	if ok {
		t.Fatalf("expected a miss for an unknown neighbor")
	}
	if sender.nsSent != 1 {
		t.Fatalf("expected one NS sent, got %d", sender.nsSent)
	}

	mac := addr.MAC{6, 5, 4, 3, 2, 1}
	drained := s.OnNeighborAdvertisement("eth0", pkt.NeighborAdvertisement{
		Solicited: true, Target: target, TargetLinkAddr: &mac,
	})
	if len(drained) != 1 {
		t.Fatalf("expected the buffered packet to drain, got %d", len(drained))
	}

	n, ok := s.Lookup("eth0", target)
	if !ok || n.State != Reachable || n.MAC != mac {
		t.Fatalf("expected Reachable neighbor with resolved MAC, got %+v ok=%v", n, ok)
	}
}

func TestBeginDADSucceedsAfterProbesWithoutConflict(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := newFakeSender()
	cfg := DefaultConfig()
	cfg.DupAddrDetectTransmits = 1
	s := New(cfg, k, k, k, sender)

	a := netip.MustParseAddr("fe80::10")
	s.BeginDAD("eth0", a, addr.MAC{1, 2, 3, 4, 5, 6})

	k.Run(10)

	if sender.dadStates[a] != AddrPreferred {
		t.Fatalf("expected address to become preferred, got state %v", sender.dadStates[a])
	}
}

func TestFailDADMarksDuplicated(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := newFakeSender()
	cfg := DefaultConfig()
	cfg.DupAddrDetectTransmits = 2
	s := New(cfg, k, k, k, sender)

	a := netip.MustParseAddr("fe80::20")
	s.BeginDAD("eth0", a, addr.MAC{1, 2, 3, 4, 5, 6})
	s.FailDAD("eth0", a)

	k.Run(10)

	if sender.dadStates[a] != AddrDuplicated {
		t.Fatalf("expected address marked duplicated, got %v", sender.dadStates[a])
	}
}
