package icmpstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simtest"
)

type fakeSender struct {
	echoes []uint16
}

func (f *fakeSender) SendEcho(dst netip.Addr, id, seq uint16, data []byte) error {
	f.echoes = append(f.echoes, seq)
	return nil
}
func (f *fakeSender) SendError(dst netip.Addr, icmpType, code uint8, offending []byte) error {
	return nil
}

func TestPingAggregatesRTTsAcrossProbes(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := &fakeSender{}
	e := New(k, k, sender)

	var result PingResult
	var got bool
	dst := netip.MustParseAddr("10.0.0.5")
	e.Ping(dst, 2, time.Second, func(r PingResult) { result = r; got = true })

	// Reply to both probes before their timeouts fire; the second probe
	// is sent only once the first has been answered.
	e.OnEchoReply(&pkt.ICMP{Identifier: 1, Sequence: 0})
	e.OnEchoReply(&pkt.ICMP{Identifier: 1, Sequence: 1})
	k.Run(5)

	if !got {
		t.Fatalf("expected ping to complete")
	}
	if result.Sent != 2 || result.Received != 2 {
		t.Fatalf("expected 2 sent and 2 received, got %+v", result)
	}
}

func TestPingTimesOutWithNoReplies(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := &fakeSender{}
	e := New(k, k, sender)

	var result PingResult
	var got bool
	e.Ping(netip.MustParseAddr("10.0.0.9"), 1, time.Second, func(r PingResult) { result = r; got = true })

	k.Run(10)

	if !got {
		t.Fatalf("expected ping to complete via timeout")
	}
	if result.Received != 0 || result.Err == nil {
		t.Fatalf("expected a zero-reply error result, got %+v", result)
	}
}

func TestTracerouteCollectsHopsUntilReached(t *testing.T) {
	k := simtest.NewKernel(1)
	sender := &fakeSender{}
	e := New(k, k, sender)

	var hops []HopResult
	e.Traceroute(netip.MustParseAddr("10.0.0.9"), 3, func(h []HopResult) { hops = h })

	var traceID uint16
	for id := range e.traces {
		traceID = id
	}
	e.OnTimeExceeded(traceID, netip.MustParseAddr("10.0.0.1"))
	e.OnTraceEchoReply(traceID, netip.MustParseAddr("10.0.0.9"))

	if len(hops) != 2 {
		t.Fatalf("expected 2 recorded hops, got %d", len(hops))
	}
	if !hops[1].Reached {
		t.Fatalf("expected the final hop marked Reached")
	}
}
