package tcpstack

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simkernel"
)

// Listener is a passive-open socket: a bounded backlog of connections
// promoted to Established and an accept-interest waker list (spec §3
// "TCP Listener").
type Listener struct {
	FD        uint32
	LocalAddr netip.Addr
	LocalPort addr.Port
	backlog   int

	pending []*Connection // SynReceived, awaiting the handshake ACK
	ready   []*Connection // Established, awaiting Accept
	wakers  []func()

	cfg   Config
	clock simkernel.Clock
	sched simkernel.Scheduler
	rng   simkernel.RNG
	out   Sender
}

func NewListener(fd uint32, local netip.Addr, port addr.Port, cfg Config, clock simkernel.Clock, sched simkernel.Scheduler, rng simkernel.RNG, out Sender) *Listener {
	backlog := cfg.ListenBacklog
	if backlog <= 0 {
		backlog = 128
	}
	return &Listener{FD: fd, LocalAddr: local, LocalPort: port, backlog: backlog, cfg: cfg, clock: clock, sched: sched, rng: rng, out: out}
}

// OnSYN creates a child connection in SynReceived and emits SYN+ACK, or
// silently drops the SYN if the backlog is full (spec §4.5/§4.10 "SYN-
// queue overflow").
func (l *Listener) OnSYN(remoteAddr netip.Addr, remotePort addr.Port, seg *pkt.TCP, childFD uint32) *Connection {
	if len(l.pending)+len(l.ready) >= l.backlog {
		return nil
	}
	q := Quad{LocalAddr: l.LocalAddr, LocalPort: l.LocalPort, RemoteAddr: remoteAddr, RemotePort: remotePort}
	child := newConnection(childFD, q, l.cfg, l.clock, l.sched, l.rng, l.out)
	if seg.MSS != 0 && seg.MSS < child.cfg.mss() {
		child.cfg.MSS = seg.MSS
	}
	child.acceptPassive(seg.SeqNum)
	child.onClosed = func() { l.removePending(child) }
	child.onEstablished = func() { l.PromoteIfEstablished(child) }
	l.pending = append(l.pending, child)
	return child
}

// PromoteIfEstablished moves a child from pending to the ready queue
// once its three-way handshake completes, waking an accept interest.
func (l *Listener) PromoteIfEstablished(child *Connection) {
	if !l.removePending(child) {
		return
	}
	l.ready = append(l.ready, child)
	if len(l.wakers) > 0 {
		w := l.wakers[0]
		l.wakers = l.wakers[1:]
		w()
	}
}

func (l *Listener) removePending(child *Connection) bool {
	for i, c := range l.pending {
		if c == child {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Accept returns the oldest ready connection, or registers an
// accept-interest waker and returns WouldBlock.
func (l *Listener) Accept(wake func()) (*Connection, error) {
	if len(l.ready) > 0 {
		c := l.ready[0]
		l.ready = l.ready[1:]
		return c, nil
	}
	l.wakers = append(l.wakers, wake)
	return nil, errors.New("tcpstack: would block").AtDebug()
}
