package iface

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/simkernel"
	"github.com/inetsim/stack/simtest"
)

func TestSendQueuesWhileBusyThenDrains(t *testing.T) {
	k := simtest.NewKernel(1)
	var delivered []*simkernel.Message
	gate := k.AddGate("eth0", 8000, 0, func(m *simkernel.Message) { delivered = append(delivered, m) })

	ifc := New("eth0", addr.MAC{1, 2, 3, 4, 5, 6}, gate, k, k)

	if err := ifc.Send(&simkernel.Message{Kind: simkernel.KindIPv4}, 1000); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !ifc.Busy() {
		t.Fatalf("expected interface busy immediately after sending a large frame")
	}
	if err := ifc.Send(&simkernel.Message{Kind: simkernel.KindIPv4}, 100); err != nil {
		t.Fatalf("queued send should not error: %v", err)
	}
	if len(ifc.sendQueue) != 1 {
		t.Fatalf("expected one queued frame, got %d", len(ifc.sendQueue))
	}

	k.Run(10)

	if len(delivered) != 2 {
		t.Fatalf("expected both frames eventually delivered, got %d", len(delivered))
	}
}

func TestRegisterWritableFiresImmediatelyWhenIdle(t *testing.T) {
	k := simtest.NewKernel(1)
	gate := k.AddGate("eth0", 8000, 0, func(m *simkernel.Message) {})
	ifc := New("eth0", addr.MAC{1, 2, 3, 4, 5, 6}, gate, k, k)

	woke := false
	ifc.RegisterWritable(1, func() { woke = true })
	if !woke {
		t.Fatalf("expected immediate wake on an idle interface")
	}
}

func TestHasV4RequiresPreferredState(t *testing.T) {
	k := simtest.NewKernel(1)
	gate := k.AddGate("eth0", 8000, 0, func(m *simkernel.Message) {})
	ifc := New("eth0", addr.MAC{1, 2, 3, 4, 5, 6}, gate, k, k)

	a := netip.MustParseAddr("192.168.1.10")
	ifc.AddAddr(BoundAddr{V4: a, State: AddrTentative})
	if ifc.HasV4(a) {
		t.Fatalf("a tentative address should not be considered bound")
	}
	ifc.Addrs[0].State = AddrPreferred
	if !ifc.HasV4(a) {
		t.Fatalf("a preferred address should be considered bound")
	}
}
