package arp

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/simtest"
)

type fakeSender struct {
	requests  []netip.Addr
	flushed   []addr.MAC
	unreached int
}

func (f *fakeSender) SendRequest(ifaceName string, target netip.Addr) {
	f.requests = append(f.requests, target)
}
func (f *fakeSender) Flush(ifaceName string, target netip.Addr, mac addr.MAC, pkt []byte) {
	f.flushed = append(f.flushed, mac)
}
func (f *fakeSender) HostUnreachable(ifaceName string, target netip.Addr, pkt []byte) {
	f.unreached++
}

func TestResolveMissBuffersThenFlushesOnReply(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := &fakeSender{}
	c := New(k, k, sender)

	target := netip.MustParseAddr("192.168.1.2")
	mac, ok := c.Resolve("eth0", target, []byte("hello"))
	if ok {
		t.Fatalf("expected a miss on first resolution")
	}
	if mac != (addr.MAC{}) {
		t.Fatalf("expected zero MAC on miss")
	}
	if len(sender.requests) != 1 {
		t.Fatalf("expected exactly one ARP request sent, got %d", len(sender.requests))
	}

	c.OnReply("eth0", target, addr.MAC{1, 2, 3, 4, 5, 6})
	if len(sender.flushed) != 1 {
		t.Fatalf("expected the buffered packet flushed, got %d", len(sender.flushed))
	}

	mac2, ok2 := c.Lookup("eth0", target)
	if !ok2 || mac2 != (addr.MAC{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("expected cached entry after reply, got %v ok=%v", mac2, ok2)
	}
}

func TestResolveTimeoutExhaustsRetriesThenReportsUnreachable(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := &fakeSender{}
	c := New(k, k, sender)
	c.maxRetries = 1
	c.requestTimeout = 0

	target := netip.MustParseAddr("192.168.1.3")
	c.Resolve("eth0", target, []byte("pkt"))

	k.Run(10)

	if sender.unreached != 1 {
		t.Fatalf("expected exactly one host-unreachable callback, got %d", sender.unreached)
	}
	if len(sender.requests) != 2 {
		t.Fatalf("expected initial request plus one retry, got %d", len(sender.requests))
	}
}
