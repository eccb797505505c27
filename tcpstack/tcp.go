// Package tcpstack implements the RFC 793 TCP state machine: connection
// setup/teardown, the send/receive engine, RTO/congestion control, and
// listener accept queues (spec §4.5 — "the heart of the system").
package tcpstack

import (
	"net/netip"
	"time"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simkernel"
)

// State is a TCP connection's position in the RFC 793 state diagram.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateCloseWait:
		return "CloseWait"
	case StateClosing:
		return "Closing"
	case StateLastAck:
		return "LastAck"
	case StateTimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}

// Config is the runtime-mutable TCP configuration from spec §6.
type Config struct {
	SendBufferCap  int
	RecvBufferCap  int
	MSS            uint16
	ISSOverride    *uint32
	ListenBacklog  int
	RTOMin         time.Duration
	RTOMax         time.Duration
	SynResendCount int
	RstForSyn      bool
	CongCtrl       bool // spec §9 Open Question: when false, cwnd is unbounded
}

// DefaultConfig matches the commonly assumed BSD-derived defaults.
func DefaultConfig() Config {
	return Config{
		SendBufferCap:  64 * 1024,
		RecvBufferCap:  64 * 1024,
		MSS:            1460,
		ListenBacklog:  128,
		RTOMin:         200 * time.Millisecond,
		RTOMax:         60 * time.Second,
		SynResendCount: 3,
		RstForSyn:      true,
		CongCtrl:       true,
	}
}

const (
	dataMaxRetransmits = 5
	synMaxRetransmits  = 3
	twoMSL             = 60 * time.Second
	delayedACKMax      = 200 * time.Millisecond
	initialSsthresh    = 64 * 1024
)

// Quad identifies a connection: (local addr, local port, remote addr,
// remote port) from spec GLOSSARY.
type Quad struct {
	LocalAddr  netip.Addr
	LocalPort  addr.Port
	RemoteAddr netip.Addr
	RemotePort addr.Port
}

// Sender is the outbound path: encode and dispatch one TCP segment
// through route lookup, neighbor resolution, and interface egress.
type Sender interface {
	Send(q Quad, seg *pkt.TCP) error
	Notify(fd uint32, kind string)
}

func cmpLess(a, b uint32) bool    { return int32(a-b) < 0 }
func cmpLessEq(a, b uint32) bool  { return int32(a-b) <= 0 }
func cmpGreater(a, b uint32) bool { return int32(a-b) > 0 }

// inWindow reports whether seq lies in [lo, lo+size) modulo 2^32.
func inWindow(seq, lo uint32, size uint32) bool {
	return cmpLessEq(lo, seq) && cmpLess(seq, lo+size)
}

type sendBlock struct {
	una uint32
	nxt uint32
	wnd uint16
	iss uint32
}

type recvBlock struct {
	nxt uint32
	wnd uint16
	irs uint32
}

type ccMode uint8

const (
	ccSlowStart ccMode = iota
	ccCongestionAvoidance
	ccFastRecovery
)

type congestion struct {
	cwnd     uint32
	ssthresh uint32
	mode     ccMode
	dupACKs  int
}

// retransSeg is one outstanding retransmission queue entry.
type retransSeg struct {
	seq       uint32
	length    int
	data      []byte
	flags     pkt.TCPFlags
	firstSent simkernel.Time
	lastSent  simkernel.Time
	attempts  int
}

// ooSegment is one out-of-order reassembly interval.
type ooSegment struct {
	start uint32
	data  []byte
}

// Waker pairs an interest kind with a callback (spec §4.9 / §5).
type Waker struct {
	Kind string // "readable" | "writable" | "established" | "closed"
	Wake func()
}

// Connection is one TCP connection's full state (spec §3 "TCP Connection").
type Connection struct {
	FD    uint32
	Quad  Quad
	State State
	cfg   Config

	send sendBlock
	recv recvBlock

	sendBuf []byte // bytes written but not yet all transmitted/acked
	recvBuf []byte // in-order bytes ready for the reader

	ooq []ooSegment

	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	rttSet  bool

	cc congestion

	retransQueue []retransSeg
	synRetries   int
	dataRetries  int

	rtoHandle    simkernel.EventHandle
	delayedACK   simkernel.EventHandle
	timeWait     simkernel.EventHandle
	persist      simkernel.EventHandle
	persistCount int

	ackPending bool
	fullSegsSinceACK int

	wakers []Waker

	clock simkernel.Clock
	sched simkernel.Scheduler
	rng   simkernel.RNG
	out   Sender

	onClosed      func()
	onEstablished func()

	cause error // set by abort; nil for a graceful close
}

func newConnection(fd uint32, q Quad, cfg Config, clock simkernel.Clock, sched simkernel.Scheduler, rng simkernel.RNG, out Sender) *Connection {
	return &Connection{
		FD:    fd,
		Quad:  q,
		cfg:   cfg,
		rto:   1 * time.Second,
		clock: clock,
		sched: sched,
		rng:   rng,
		out:   out,
		cc:    congestion{cwnd: uint32(3 * cfg.mss()), ssthresh: initialSsthresh},
	}
}

func (cfg Config) mss() uint16 {
	if cfg.MSS != 0 {
		return cfg.MSS
	}
	return 1460
}

func (c *Connection) initISS() uint32 {
	if c.cfg.ISSOverride != nil {
		return *c.cfg.ISSOverride
	}
	return c.rng.Uint32()
}

func (c *Connection) notify(kind string) {
	remaining := c.wakers[:0]
	for _, w := range c.wakers {
		if w.Kind == kind {
			w.Wake()
			continue
		}
		remaining = append(remaining, w)
	}
	c.wakers = remaining
	c.out.Notify(c.FD, kind)
}

func (c *Connection) addWaker(w Waker) { c.wakers = append(c.wakers, w) }

// AddWaker registers interest in a readiness kind ("readable", "writable",
// "established", "closed"); wake fires at most once, the next time that
// kind is notified (spec §4.9).
func (c *Connection) AddWaker(kind string, wake func()) {
	c.addWaker(Waker{Kind: kind, Wake: wake})
}

// Err returns the reason the connection was aborted, or nil if it closed
// gracefully or is still open.
func (c *Connection) Err() error { return c.cause }

// Connect begins an active open (spec §4.5 "Accept/Connect").
func (c *Connection) Connect() error {
	c.send.iss = c.initISS()
	c.send.una = c.send.iss
	c.send.nxt = c.send.iss + 1
	c.recv.wnd = uint16(c.cfg.bufCapOr(c.cfg.RecvBufferCap, 64*1024))
	c.State = StateSynSent
	c.emit(pkt.TCPFlagSYN, c.send.iss, nil)
	c.armRTO()
	return nil
}

func (cfg Config) bufCapOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Listen places the connection (really: a listener-owned template) in
// the Listen state; see Listener for the accept queue itself.
func (c *Connection) Listen() { c.State = StateListen }

// acceptPassive initializes a child connection created by a listener on
// SYN arrival (spec §4.5 "listen()").
func (c *Connection) acceptPassive(segSeq uint32) {
	c.recv.irs = segSeq
	c.recv.nxt = segSeq + 1
	c.recv.wnd = uint16(c.cfg.bufCapOr(c.cfg.RecvBufferCap, 64*1024))
	c.send.iss = c.initISS()
	c.send.una = c.send.iss
	c.send.nxt = c.send.iss + 1
	c.State = StateSynReceived
	c.emit(pkt.TCPFlagSYN|pkt.TCPFlagACK, c.send.iss, nil)
	c.armRTO()
}

func (c *Connection) emit(flags pkt.TCPFlags, seq uint32, payload []byte) {
	seg := &pkt.TCP{
		SrcPort: c.Quad.LocalPort, DstPort: c.Quad.RemotePort,
		SeqNum: seq, Flags: flags, Window: c.recv.wnd, Payload: payload,
	}
	if flags.Has(pkt.TCPFlagACK) {
		seg.AckNum = c.recv.nxt
	}
	if flags.Has(pkt.TCPFlagSYN) {
		seg.MSS = c.cfg.mss()
	}
	if err := c.out.Send(c.Quad, seg); err != nil {
		errors.LogDebugInner(nil, err, "tcpstack: segment send failed")
	}
}

// Write appends bytes to the send buffer up to capacity, returning the
// count actually accepted (spec §4.5 "Send path").
func (c *Connection) Write(b []byte) (int, error) {
	if c.State != StateEstablished && c.State != StateCloseWait {
		return 0, errors.New("tcpstack: write on non-writable connection").AtWarning()
	}
	capacity := c.cfg.bufCapOr(c.cfg.SendBufferCap, 64*1024)
	room := capacity - len(c.sendBuf)
	if room <= 0 {
		return 0, errors.New("tcpstack: would block").AtDebug()
	}
	n := len(b)
	if n > room {
		n = room
	}
	c.sendBuf = append(c.sendBuf, b[:n]...)
	c.pump()
	return n, nil
}

// pump transmits as many bytes past NXT as the window/cwnd/MSS allow
// (spec §4.5 "Send path"), applying silly-window avoidance.
func (c *Connection) pump() {
	mss := int(c.cfg.mss())
	for {
		buffered := int(c.send.nxt - c.send.una) // already-sent-but-unacked bytes occupy the head
		unsent := len(c.sendBuf) - buffered
		if unsent <= 0 {
			return
		}
		sendWindowRemaining := int(c.send.una) + int(c.send.wnd) - int(c.send.nxt)
		limit := unsent
		if sendWindowRemaining < limit {
			limit = sendWindowRemaining
		}
		if c.cfg.CongCtrl {
			cwndRemaining := int(c.cc.cwnd) - buffered
			if cwndRemaining < limit {
				limit = cwndRemaining
			}
		}
		if limit <= 0 {
			return
		}
		n := limit
		if n > mss {
			n = mss
		}
		if n < mss && n < sendWindowRemaining && unsent > n {
			// silly window avoidance: don't emit a small segment unless it's all we have
			return
		}
		off := buffered
		payload := c.sendBuf[off : off+n]
		c.sendSegment(c.send.nxt, pkt.TCPFlagACK, payload)
		c.send.nxt += uint32(n)
		if unsent == n {
			return
		}
	}
}

func (c *Connection) sendSegment(seq uint32, flags pkt.TCPFlags, payload []byte) {
	now := c.clock.Now()
	c.retransQueue = append(c.retransQueue, retransSeg{
		seq: seq, length: len(payload), data: append([]byte(nil), payload...),
		flags: flags, firstSent: now, lastSent: now,
	})
	c.emit(flags, seq, payload)
	if c.rtoHandle == nil {
		c.armRTO()
	}
}

func (c *Connection) armRTO() {
	rto := c.rto
	if rto < c.cfg.rtoMinOr(200*time.Millisecond) {
		rto = c.cfg.rtoMinOr(200 * time.Millisecond)
	}
	if max := c.cfg.rtoMaxOr(60 * time.Second); rto > max {
		rto = max
	}
	c.rtoHandle = c.sched.ScheduleAt(c.clock.Now().Add(rto), c.onRTO)
}

func (cfg Config) rtoMinOr(def time.Duration) time.Duration {
	if cfg.RTOMin > 0 {
		return cfg.RTOMin
	}
	return def
}

func (cfg Config) rtoMaxOr(def time.Duration) time.Duration {
	if cfg.RTOMax > 0 {
		return cfg.RTOMax
	}
	return def
}

// onRTO handles retransmission timeout (spec §4.5 "Retransmission and RTO").
func (c *Connection) onRTO() {
	c.rtoHandle = nil
	if len(c.retransQueue) == 0 {
		return
	}
	limit := dataMaxRetransmits
	if c.State == StateSynSent || c.State == StateSynReceived {
		limit = synMaxRetransmits
		if c.cfg.SynResendCount > 0 {
			limit = c.cfg.SynResendCount
		}
	}
	head := &c.retransQueue[0]
	head.attempts++
	if head.attempts > limit {
		c.abort(errors.New("tcpstack: host unreachable: syn resend count exceeded").AtWarning())
		return
	}
	c.emit(head.flags, head.seq, head.data)
	head.lastSent = c.clock.Now()

	c.rto *= 2
	mss := uint32(c.cfg.mss())
	c.cc.ssthresh = maxU32(c.cc.cwnd/2, 2*mss)
	c.cc.cwnd = mss
	c.cc.mode = ccSlowStart
	c.armRTO()
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// abort terminates the connection per spec §7: pending reads return
// EOF, pending writes return BrokenPipe, state goes to Closed.
func (c *Connection) abort(cause error) {
	errors.LogWarningInner(nil, cause, "tcpstack: connection aborted")
	c.cause = cause
	c.State = StateClosed
	c.cancelTimers()
	c.notify("readable")
	c.notify("writable")
	c.notify("closed")
	if c.onClosed != nil {
		c.onClosed()
	}
}

func (c *Connection) cancelTimers() {
	for _, h := range []simkernel.EventHandle{c.rtoHandle, c.delayedACK, c.timeWait, c.persist} {
		if h != nil {
			h.Cancel()
		}
	}
	c.rtoHandle, c.delayedACK, c.timeWait, c.persist = nil, nil, nil, nil
}
