package tcpstack

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simkernel"
)

// Engine is the per-node TCP subsystem: active connections, listeners,
// and the quad-indexed demux table feeding Connection.Deliver.
type Engine struct {
	cfg   Config
	clock simkernel.Clock
	sched simkernel.Scheduler
	rng   simkernel.RNG
	out   Sender

	conns     map[uint32]*Connection
	listeners map[addr.Port]*Listener
	byQuad    map[Quad]*Connection

	nextEphemeral addr.Port
}

func NewEngine(cfg Config, clock simkernel.Clock, sched simkernel.Scheduler, rng simkernel.RNG, out Sender) *Engine {
	return &Engine{
		cfg: cfg, clock: clock, sched: sched, rng: rng, out: out,
		conns:         make(map[uint32]*Connection),
		listeners:     make(map[addr.Port]*Listener),
		byQuad:        make(map[Quad]*Connection),
		nextEphemeral: 49152,
	}
}

func (e *Engine) allocEphemeral() addr.Port {
	p := e.nextEphemeral
	e.nextEphemeral++
	if e.nextEphemeral == 0 {
		e.nextEphemeral = 49152
	}
	return p
}

// Connect creates and starts an active-open connection.
func (e *Engine) Connect(fd uint32, local netip.Addr, localPort addr.Port, remote netip.Addr, remotePort addr.Port) (*Connection, error) {
	if localPort == 0 {
		localPort = e.allocEphemeral()
	}
	q := Quad{LocalAddr: local, LocalPort: localPort, RemoteAddr: remote, RemotePort: remotePort}
	if _, exists := e.byQuad[q]; exists {
		return nil, errors.New("tcpstack: address in use").AtWarning()
	}
	c := newConnection(fd, q, e.cfg, e.clock, e.sched, e.rng, e.out)
	c.onClosed = func() { e.removeConn(c) }
	e.conns[fd] = c
	e.byQuad[q] = c
	return c, c.Connect()
}

// Listen registers a listener bound to (local, port). Listeners are keyed
// by port; port 0 is accepted as given and not replaced by an ephemeral port.
func (e *Engine) Listen(fd uint32, local netip.Addr, port addr.Port) (*Listener, error) {
	if _, exists := e.listeners[port]; exists {
		return nil, errors.New("tcpstack: address in use").AtWarning()
	}
	l := NewListener(fd, local, port, e.cfg, e.clock, e.sched, e.rng, e.out)
	e.listeners[port] = l
	return l, nil
}

// Deliver routes an inbound segment to the matching connection, or to a
// listener if none exists and the segment is a SYN; otherwise RSTs an
// unmatched segment per spec §7 (unless the inbound SYN itself must be
// ignored per rst_for_syn=false, see spec §8 scenario 3 which exercises
// that from the other side).
func (e *Engine) Deliver(local, remote netip.Addr, localPort, remotePort addr.Port, seg *pkt.TCP, allocFD func() uint32) {
	q := Quad{LocalAddr: local, LocalPort: localPort, RemoteAddr: remote, RemotePort: remotePort}
	if c, ok := e.byQuad[q]; ok {
		c.Deliver(seg)
		return
	}
	if l, ok := e.listeners[localPort]; ok && seg.Flags.Has(pkt.TCPFlagSYN) && !seg.Flags.Has(pkt.TCPFlagACK) {
		child := l.OnSYN(remote, remotePort, seg, allocFD())
		if child == nil {
			return // backlog full: SYN silently dropped
		}
		e.conns[child.FD] = child
		e.byQuad[q] = child
		prevClosed := child.onClosed
		child.onClosed = func() {
			e.removeConn(child)
			if prevClosed != nil {
				prevClosed()
			}
		}
		return
	}
	if seg.Flags.Has(pkt.TCPFlagRST) {
		return
	}
	if seg.Flags.Has(pkt.TCPFlagSYN) && !e.cfg.RstForSyn {
		return
	}
	out := &pkt.TCP{SrcPort: localPort, DstPort: remotePort, Flags: pkt.TCPFlagRST, SeqNum: seg.AckNum}
	if !seg.Flags.Has(pkt.TCPFlagACK) {
		out.Flags |= pkt.TCPFlagACK
		out.SeqNum = 0
		out.AckNum = seg.SeqNum + uint32(len(seg.Payload))
		if seg.Flags.Has(pkt.TCPFlagSYN) {
			out.AckNum++
		}
	}
	_ = e.out.Send(Quad{LocalAddr: local, LocalPort: localPort, RemoteAddr: remote, RemotePort: remotePort}, out)
}

func (e *Engine) removeConn(c *Connection) {
	delete(e.conns, c.FD)
	delete(e.byQuad, c.Quad)
}

func (e *Engine) Get(fd uint32) (*Connection, bool) {
	c, ok := e.conns[fd]
	return c, ok
}

// ListenerByPort returns the listener bound to port, if any.
func (e *Engine) ListenerByPort(port addr.Port) (*Listener, bool) {
	l, ok := e.listeners[port]
	return l, ok
}
