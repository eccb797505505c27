// Package udpstack implements the UDP engine: bind/unbind, datagram
// dispatch by socket match, and write/read interest wakeups (spec §4.6).
package udpstack

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/socket"
)

const defaultQueueDepth = 64

// Datagram is one inbound UDP payload queued for a socket's reader.
type Datagram struct {
	From    netip.Addr
	FromPort addr.Port
	Payload []byte
}

// Waker pairs a readiness kind with a callback, per spec §4.9.
type Waker struct {
	Kind string // "readable" | "writable"
	Wake func()
}

// EndpointState is the per-fd shadow state for a UDP socket.
type EndpointState struct {
	queue    []Datagram
	depth    int
	wakers   []Waker
	connected bool
}

// Sender is the outbound path: build and hand off an IP+UDP datagram
// after route/neighbor resolution.
type Sender interface {
	SendDatagram(iface string, src, dst netip.Addr, srcPort, dstPort addr.Port, payload []byte) error
	PortUnreachable(src netip.Addr, srcPort addr.Port, dst netip.Addr, dstPort addr.Port, offending []byte)
}

// Engine is the per-node UDP subsystem.
type Engine struct {
	table  *socket.Table
	sender Sender
	states map[uint32]*EndpointState

	nextEphemeral addr.Port
}

func New(table *socket.Table, sender Sender) *Engine {
	return &Engine{
		table:         table,
		sender:        sender,
		states:        make(map[uint32]*EndpointState),
		nextEphemeral: 49152,
	}
}

// Bind assigns port (allocating an ephemeral one if 0) and records
// the UDP shadow state.
func (e *Engine) Bind(s *socket.Socket, local netip.Addr, port addr.Port) error {
	if port == 0 {
		port = e.allocEphemeral()
	}
	if err := e.table.Bind(s, addr.UDPDestination(local, port)); err != nil {
		return err
	}
	e.states[s.FD] = &EndpointState{depth: defaultQueueDepth}
	return nil
}

func (e *Engine) allocEphemeral() addr.Port {
	p := e.nextEphemeral
	e.nextEphemeral++
	if e.nextEphemeral == 0 {
		e.nextEphemeral = 49152
	}
	return p
}

// Connect records a default peer in the socket table and marks the
// socket connected; SendTo still takes an explicit destination.
func (e *Engine) Connect(s *socket.Socket, peer netip.Addr, port addr.Port) error {
	if err := e.table.Connect(s, addr.UDPDestination(peer, port)); err != nil {
		return err
	}
	e.states[s.FD].connected = true
	return nil
}

// Deliver is called by the dispatcher on UDP datagram arrival; it finds
// the best-matching bound socket and enqueues, or reports
// port-unreachable. Zero-length datagrams are delivered like any other.
func (e *Engine) Deliver(iface string, src, dst netip.Addr, srcPort, dstPort addr.Port, payload []byte) {
	s, ok := e.table.Lookup(domainOf(dst), 17, addr.UDPDestination(dst, dstPort), addr.UDPDestination(src, srcPort))
	if !ok {
		e.sender.PortUnreachable(dst, dstPort, src, srcPort, payload)
		return
	}
	st := e.states[s.FD]
	if st == nil {
		return
	}
	dg := Datagram{From: src, FromPort: srcPort, Payload: payload}
	if len(st.queue) >= st.depth {
		return // queue full: silently drop, mirroring a bounded kernel socket buffer
	}
	st.queue = append(st.queue, dg)
	st.wakeAll("readable")
}

func domainOf(a netip.Addr) socket.Domain {
	if a.Is4() {
		return socket.DomainInet
	}
	return socket.DomainInet6
}

func (st *EndpointState) wakeAll(kind string) {
	remaining := st.wakers[:0]
	for _, w := range st.wakers {
		if w.Kind == kind {
			w.Wake()
			continue
		}
		remaining = append(remaining, w)
	}
	st.wakers = remaining
}

// RecvFrom pops the oldest queued datagram, or registers a readable
// waker and returns WouldBlock.
func (e *Engine) RecvFrom(fd uint32, wake func()) (Datagram, error) {
	st := e.states[fd]
	if st == nil {
		return Datagram{}, errors.New("udpstack: unknown fd").AtError()
	}
	if len(st.queue) == 0 {
		st.wakers = append(st.wakers, Waker{Kind: "readable", Wake: wake})
		return Datagram{}, errors.New("udpstack: would block").AtDebug()
	}
	dg := st.queue[0]
	st.queue = st.queue[1:]
	return dg, nil
}

// SendTo builds and dispatches a datagram to dst via the outbound path.
func (e *Engine) SendTo(s *socket.Socket, iface string, dst netip.Addr, dstPort addr.Port, payload []byte) error {
	return e.sender.SendDatagram(iface, s.Local.Addr, dst, s.Local.Port, dstPort, payload)
}

// Close releases the shadow state for fd.
func (e *Engine) Close(fd uint32) {
	delete(e.states, fd)
}
