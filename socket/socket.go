// Package socket implements the file-descriptor indexed socket table
// shared by the UDP and TCP transports (spec §3 "Socket"). DomainUnix is
// defined, but no Unix-domain transport uses the table, and Bind checks
// uniqueness only for destinations with a non-zero port, which path-bound
// Unix destinations never have.
package socket

import (
	"net/netip"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
)

// Domain is the socket address family.
type Domain uint8

const (
	DomainInet Domain = iota
	DomainInet6
	DomainUnix
)

// Type is the socket communication semantics.
type Type uint8

const (
	TypeStream Type = iota
	TypeDatagram
	TypeRaw
	TypeSeqpacket
)

// Binding names which interface(s) a socket is restricted to.
type Binding struct {
	All   bool
	Iface string // set when All is false and a single interface is bound
}

// Socket is one file-descriptor-indexed table entry. Protocol-specific
// state (a TCP connection, a UDP queue) is stored out-of-line and
// indexed by the same FD — see spec §9 "Cyclic references" design note.
type Socket struct {
	FD      uint32
	Domain  Domain
	Type    Type
	Proto   uint8
	Local   addr.Destination
	Remote  addr.Destination // zero value if unconnected
	Binding Binding
}

// fiveTuple is the uniqueness key from spec §3's Socket invariant.
type fiveTuple struct {
	domain Domain
	proto  uint8
	local  addr.Destination
	remote addr.Destination
}

// Table is the per-node socket table: the IO context's fd allocator
// plus the 5-tuple uniqueness invariant enforcement.
type Table struct {
	sockets map[uint32]*Socket
	tuples  map[fiveTuple]uint32
	nextFD  uint32
}

func NewTable() *Table {
	return &Table{
		sockets: make(map[uint32]*Socket),
		tuples:  make(map[fiveTuple]uint32),
		nextFD:  1,
	}
}

// Create allocates a new socket with the next process-unique fd.
func (t *Table) Create(domain Domain, typ Type, proto uint8) *Socket {
	fd := t.nextFD
	t.nextFD++
	s := &Socket{FD: fd, Domain: domain, Type: typ, Proto: proto}
	t.sockets[fd] = s
	return s
}

// Bind records the local address for s and enforces the 5-tuple
// uniqueness invariant when both endpoints are known.
func (t *Table) Bind(s *Socket, local addr.Destination) error {
	if local.IsValid() && local.Port != 0 {
		tup := fiveTuple{s.Domain, s.Proto, local, s.Remote}
		if owner, ok := t.tuples[tup]; ok && owner != s.FD {
			return errors.New("socket: address in use").AtWarning()
		}
	}
	s.Local = local
	t.reindex(s)
	return nil
}

// Connect records the remote address for s, re-validating uniqueness.
func (t *Table) Connect(s *Socket, remote addr.Destination) error {
	tup := fiveTuple{s.Domain, s.Proto, s.Local, remote}
	if owner, ok := t.tuples[tup]; ok && owner != s.FD {
		return errors.New("socket: address in use").AtWarning()
	}
	s.Remote = remote
	t.reindex(s)
	return nil
}

func (t *Table) reindex(s *Socket) {
	for tup, fd := range t.tuples {
		if fd == s.FD {
			delete(t.tuples, tup)
		}
	}
	if s.Local.IsValid() {
		t.tuples[fiveTuple{s.Domain, s.Proto, s.Local, s.Remote}] = s.FD
	}
}

// Lookup finds the socket (if any) whose bound addresses accept a
// packet/datagram described by (local, remote): exact match preferred,
// falling back to a socket bound to the unspecified local address or
// with no remote restriction (the UDP/TCP demux rule in spec §4.6/§4.5).
func (t *Table) Lookup(domain Domain, proto uint8, local, remote addr.Destination) (*Socket, bool) {
	wild := local
	if local.Addr.Is4() {
		wild.Addr = netip.IPv4Unspecified()
	} else if local.Addr.Is6() {
		wild.Addr = netip.IPv6Unspecified()
	}
	candidates := []fiveTuple{
		{domain, proto, local, remote},
		{domain, proto, local, addr.Destination{}},
		{domain, proto, wild, remote},
		{domain, proto, wild, addr.Destination{}},
	}
	for _, tup := range candidates {
		if fd, ok := t.tuples[tup]; ok {
			return t.sockets[fd], true
		}
	}
	return nil, false
}

func (t *Table) Get(fd uint32) (*Socket, bool) {
	s, ok := t.sockets[fd]
	return s, ok
}

// Close removes a socket and its tuple index entries.
func (t *Table) Close(fd uint32) {
	if _, ok := t.sockets[fd]; !ok {
		return
	}
	for tup, owner := range t.tuples {
		if owner == fd {
			delete(t.tuples, tup)
		}
	}
	delete(t.sockets, fd)
}
