// Package hostapi exposes the standard socket operations to user tasks:
// bind, listen, accept, connect, read, write, close, send_to, recv_from,
// shutdown, set_option — all async, returning immediately or registering
// an interest and yielding (spec §4.9, §5).
package hostapi

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/dispatcher"
	"github.com/inetsim/stack/socket"
	"github.com/inetsim/stack/tcpstack"
	"github.com/inetsim/stack/udpstack"
)

// ErrKind is one of the POSIX-flavored error kinds from spec §6.
type ErrKind uint8

const (
	ErrInvalidInput ErrKind = iota
	ErrAddrInUse
	ErrAddrNotAvailable
	ErrNotConnected
	ErrBrokenPipe
	ErrConnectionRefused
	ErrWouldBlock
	// ErrTimedOut is reserved for a future SO_RCVTIMEO-style deadline
	// option; no operation here has a clock-driven timeout path to
	// surface it through yet (icmpstack.Ping reports timeouts via its
	// own PingResult callback, not through a socket operation).
	ErrTimedOut
	ErrOther
)

// Sentinel wraps an ErrKind so callers can classify failures with errors.Is
// style checks via errors.Cause, the way the teacher's transport layer
// distinguishes proxy error classes.
type Sentinel struct{ Kind ErrKind }

func (s Sentinel) Error() string { return "hostapi: sentinel error" }

func wrap(kind ErrKind, msg string) error {
	return errors.New(msg).Base(Sentinel{Kind: kind}).AtDebug()
}

// Host is the per-node host API surface, backed by the IO context.
type Host struct {
	ctx        *dispatcher.Context
	listeners  map[uint32]*tcpstack.Listener
	connecting map[uint32]*tcpstack.Connection // in-flight Connect() calls, keyed by fd
}

func New(ctx *dispatcher.Context) *Host {
	return &Host{
		ctx:        ctx,
		listeners:  make(map[uint32]*tcpstack.Listener),
		connecting: make(map[uint32]*tcpstack.Connection),
	}
}

// CreateSocket allocates a new fd and socket table entry.
func (h *Host) CreateSocket(domain socket.Domain, typ socket.Type, proto uint8) *socket.Socket {
	return h.ctx.Sockets.Create(domain, typ, proto)
}

// Bind implements the bind() operation for TCP/UDP sockets.
func (h *Host) Bind(s *socket.Socket, local netip.Addr, port addr.Port) error {
	if !h.addrIsLocal(local) {
		return wrap(ErrAddrNotAvailable, "hostapi: bind address not assigned to any interface")
	}
	switch s.Type {
	case socket.TypeDatagram:
		return h.ctx.UDP.Bind(s, local, port)
	case socket.TypeStream:
		return h.ctx.Sockets.Bind(s, addr.TCPDestination(local, port))
	default:
		return wrap(ErrInvalidInput, "hostapi: bind unsupported for socket type")
	}
}

// addrIsLocal reports whether local is bindable: the wildcard address,
// or an address owned by one of the node's interfaces. A node with no
// interfaces configured at all (e.g. a bare test harness) is treated
// permissively, since there is nothing to validate against.
func (h *Host) addrIsLocal(local netip.Addr) bool {
	if len(h.ctx.Ifaces) == 0 {
		return true
	}
	if !local.IsValid() || local.IsUnspecified() {
		return true
	}
	for _, ifc := range h.ctx.Ifaces {
		if local.Is4() && ifc.HasV4(local) {
			return true
		}
		if local.Is6() && ifc.HasV6(local) {
			return true
		}
	}
	return false
}

// Listen places a stream socket in the Listen state with the given backlog.
func (h *Host) Listen(s *socket.Socket, backlog int) error {
	if s.Type != socket.TypeStream {
		return wrap(ErrInvalidInput, "hostapi: listen on non-stream socket")
	}
	l, err := h.ctx.TCP.Listen(s.FD, s.Local.Addr, s.Local.Port)
	if err != nil {
		return wrap(ErrAddrInUse, err.Error())
	}
	h.listeners[s.FD] = l
	return nil
}

// Accept returns a newly established connection, or registers an
// accept-interest waker and returns ErrWouldBlock.
func (h *Host) Accept(listenFD uint32, wake func()) (*tcpstack.Connection, error) {
	l, ok := h.listeners[listenFD]
	if !ok {
		return nil, wrap(ErrInvalidInput, "hostapi: accept on non-listening fd")
	}
	conn, err := l.Accept(wake)
	if err != nil {
		return nil, wrap(ErrWouldBlock, err.Error())
	}
	return conn, nil
}

// Connect begins an active TCP open and polls it to completion (spec §8
// scenarios 2/3): the first call starts the handshake and registers
// "established"/"closed" wakers, returning ErrWouldBlock; the caller is
// expected to invoke Connect again once wake fires. A handshake that
// aborts (RST, or retransmit-limit exceeded) is surfaced as
// ErrConnectionRefused, carrying the abort's own message.
func (h *Host) Connect(s *socket.Socket, remote netip.Addr, port addr.Port, wake func()) (*tcpstack.Connection, error) {
	conn, ok := h.connecting[s.FD]
	if !ok {
		var err error
		conn, err = h.ctx.TCP.Connect(s.FD, s.Local.Addr, s.Local.Port, remote, port)
		if err != nil {
			return nil, wrap(ErrAddrInUse, err.Error())
		}
		h.connecting[s.FD] = conn
	}
	switch conn.State {
	case tcpstack.StateEstablished:
		delete(h.connecting, s.FD)
		return conn, nil
	case tcpstack.StateClosed:
		delete(h.connecting, s.FD)
		msg := "hostapi: connection refused"
		if cause := conn.Err(); cause != nil {
			msg = cause.Error()
		}
		return nil, wrap(ErrConnectionRefused, msg)
	default:
		conn.AddWaker("established", wake)
		conn.AddWaker("closed", wake)
		return nil, wrap(ErrWouldBlock, "hostapi: connect in progress")
	}
}

// Read implements the read() operation on a TCP connection.
func (h *Host) Read(conn *tcpstack.Connection, p []byte, wake func()) (int, error) {
	n, err := conn.Read(p, wake)
	if err != nil {
		return 0, wrap(ErrWouldBlock, err.Error())
	}
	return n, nil
}

// Write implements the write() operation on a TCP connection, classifying
// the failure the way spec §6/§8 expect: ErrNotConnected before the
// handshake completes, ErrBrokenPipe once the peer has aborted or closed,
// ErrWouldBlock when the send buffer is simply full.
func (h *Host) Write(conn *tcpstack.Connection, p []byte) (int, error) {
	switch conn.State {
	case tcpstack.StateEstablished, tcpstack.StateCloseWait:
		n, err := conn.Write(p)
		if err != nil {
			return 0, wrap(ErrWouldBlock, err.Error())
		}
		return n, nil
	case tcpstack.StateClosed:
		msg := "hostapi: broken pipe"
		if cause := conn.Err(); cause != nil {
			msg = cause.Error()
		}
		return 0, wrap(ErrBrokenPipe, msg)
	default:
		return 0, wrap(ErrNotConnected, "hostapi: write before connection established")
	}
}

// Close implements close() for a TCP connection: graceful FIN if open,
// immediate teardown otherwise.
func (h *Host) Close(conn *tcpstack.Connection) error {
	return conn.Close()
}

// SendTo implements the UDP send_to() operation.
func (h *Host) SendTo(s *socket.Socket, iface string, dst netip.Addr, dstPort addr.Port, payload []byte) error {
	return h.ctx.UDP.SendTo(s, iface, dst, dstPort, payload)
}

// RecvFrom implements the UDP recv_from() operation.
func (h *Host) RecvFrom(s *socket.Socket, wake func()) (udpstack.Datagram, error) {
	dg, err := h.ctx.UDP.RecvFrom(s.FD, wake)
	if err != nil {
		return udpstack.Datagram{}, wrap(ErrWouldBlock, err.Error())
	}
	return dg, nil
}

// CloseSocket removes the socket from the table, tearing down its
// protocol-specific shadow state (spec §5 "Cancellation").
func (h *Host) CloseSocket(s *socket.Socket) {
	switch s.Type {
	case socket.TypeDatagram:
		h.ctx.UDP.Close(s.FD)
	case socket.TypeStream:
		if conn, ok := h.ctx.TCP.Get(s.FD); ok {
			conn.Close()
		}
		delete(h.listeners, s.FD)
		delete(h.connecting, s.FD)
	}
	h.ctx.Sockets.Close(s.FD)
}
