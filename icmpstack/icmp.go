// Package icmpstack implements ping (echo request/reply correlation),
// traceroute, and ICMP/ICMPv6 error generation on local delivery
// failure (spec §4.7).
package icmpstack

import (
	"net/netip"
	"time"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simkernel"
)

const defaultProbeCount = 3

// Sender is the outbound path for ICMP/ICMPv6 messages.
type Sender interface {
	SendEcho(dst netip.Addr, id, seq uint16, data []byte) error
	SendError(dst netip.Addr, icmpType, code uint8, offending []byte) error
}

// PingResult aggregates RTTs over N probes (spec §4.7).
type PingResult struct {
	Sent, Received int
	Min, Max, Avg   time.Duration
	Err             error
}

type pendingPing struct {
	id       uint16
	dst      netip.Addr
	count    int
	sent     int
	rtts     []time.Duration
	sentAt   map[uint16]simkernel.Time
	done     func(PingResult)
	timeout  time.Duration
}

// HopResult is one traceroute hop.
type HopResult struct {
	Hop     int
	Addr    netip.Addr
	RTT     time.Duration
	Reached bool
}

type pendingTrace struct {
	id      uint16
	dst     netip.Addr
	maxHops int
	hop     int
	sentAt  simkernel.Time
	results []HopResult
	done    func([]HopResult)
}

// Engine is the per-node ICMP/ICMPv6 subsystem.
type Engine struct {
	clock  simkernel.Clock
	sched  simkernel.Scheduler
	out    Sender
	nextID uint16

	pings  map[uint16]*pendingPing
	traces map[uint16]*pendingTrace
}

func New(clock simkernel.Clock, sched simkernel.Scheduler, out Sender) *Engine {
	return &Engine{
		clock: clock, sched: sched, out: out,
		pings:  make(map[uint16]*pendingPing),
		traces: make(map[uint16]*pendingTrace),
	}
}

func (e *Engine) allocID() uint16 {
	e.nextID++
	return e.nextID
}

// Ping sends `count` Echo Requests (default 3) to dst and reports
// aggregated RTT stats via done once all probes complete or time out.
func (e *Engine) Ping(dst netip.Addr, count int, timeout time.Duration, done func(PingResult)) {
	if count <= 0 {
		count = defaultProbeCount
	}
	id := e.allocID()
	p := &pendingPing{id: id, dst: dst, count: count, sentAt: make(map[uint16]simkernel.Time), done: done, timeout: timeout}
	e.pings[id] = p
	e.sendNextProbe(p)
}

func (e *Engine) sendNextProbe(p *pendingPing) {
	seq := uint16(p.sent)
	p.sent++
	p.sentAt[seq] = e.clock.Now()
	if err := e.out.SendEcho(p.dst, p.id, seq, nil); err != nil {
		errors.LogDebugInner(nil, err, "icmpstack: echo request send failed")
	}
	e.sched.ScheduleAt(e.clock.Now().Add(p.timeout), func() { e.onProbeTimeout(p, seq) })
}

func (e *Engine) onProbeTimeout(p *pendingPing, seq uint16) {
	if _, ok := p.sentAt[seq]; !ok {
		return // already answered
	}
	delete(p.sentAt, seq)
	e.maybeAdvanceOrFinish(p)
}

func (e *Engine) maybeAdvanceOrFinish(p *pendingPing) {
	if p.sent < p.count {
		e.sendNextProbe(p)
		return
	}
	if len(p.sentAt) == 0 {
		e.finishPing(p)
	}
}

func (e *Engine) finishPing(p *pendingPing) {
	delete(e.pings, p.id)
	res := PingResult{Sent: p.sent, Received: len(p.rtts)}
	if len(p.rtts) == 0 {
		res.Err = errors.New("icmpstack: connection refused: no echo reply received").AtInfo()
		p.done(res)
		return
	}
	var sum time.Duration
	res.Min, res.Max = p.rtts[0], p.rtts[0]
	for _, d := range p.rtts {
		sum += d
		if d < res.Min {
			res.Min = d
		}
		if d > res.Max {
			res.Max = d
		}
	}
	res.Avg = sum / time.Duration(len(p.rtts))
	p.done(res)
}

// OnEchoReply correlates an inbound Echo Reply to an outstanding ping.
func (e *Engine) OnEchoReply(msg *pkt.ICMP) {
	p, ok := e.pings[msg.Identifier]
	if !ok {
		return
	}
	sentAt, ok := p.sentAt[msg.Sequence]
	if !ok {
		return
	}
	delete(p.sentAt, msg.Sequence)
	p.rtts = append(p.rtts, e.clock.Now().Sub(sentAt))
	e.maybeAdvanceOrFinish(p)
}

// Traceroute emits one echo probe per hop, collecting Time Exceeded
// errors from intermediate hops until dst replies or maxHops is reached.
// The hop number travels as the echo sequence number; the Sender takes no
// hop limit, so every probe leaves with the egress path's default hop
// limit.
func (e *Engine) Traceroute(dst netip.Addr, maxHops int, done func([]HopResult)) {
	id := e.allocID()
	t := &pendingTrace{id: id, dst: dst, maxHops: maxHops, done: done}
	e.traces[id] = t
	e.sendTraceProbe(t)
}

func (e *Engine) sendTraceProbe(t *pendingTrace) {
	t.hop++
	t.sentAt = e.clock.Now()
	e.out.SendEcho(t.dst, t.id, uint16(t.hop), nil) // hop number as sequence; no hop limit is set here
}

// OnTimeExceeded records an intermediate hop's response.
func (e *Engine) OnTimeExceeded(id uint16, from netip.Addr) {
	t, ok := e.traces[id]
	if !ok {
		return
	}
	t.results = append(t.results, HopResult{Hop: t.hop, Addr: from, RTT: e.clock.Now().Sub(t.sentAt)})
	if t.hop >= t.maxHops {
		delete(e.traces, id)
		t.done(t.results)
		return
	}
	e.sendTraceProbe(t)
}

// OnTraceEchoReply records the final hop once dst itself answers.
func (e *Engine) OnTraceEchoReply(id uint16, from netip.Addr) {
	t, ok := e.traces[id]
	if !ok {
		return
	}
	delete(e.traces, id)
	t.results = append(t.results, HopResult{Hop: t.hop, Addr: from, RTT: e.clock.Now().Sub(t.sentAt), Reached: true})
	t.done(t.results)
}

// GenerateError builds a Destination Unreachable / Time Exceeded reply
// for a locally-failed delivery, carrying the offending packet's first
// 8 bytes (v4) or full header per spec §4.7 / §7.
func (e *Engine) GenerateError(dst netip.Addr, icmpType, code uint8, offending []byte) {
	limit := 8
	if dst.Is6() {
		limit = 40
	}
	if len(offending) > limit {
		offending = offending[:limit]
	}
	if err := e.out.SendError(dst, icmpType, code, offending); err != nil {
		errors.LogDebugInner(nil, err, "icmpstack: error generation failed")
	}
}
