// Package dhcpstack implements a DHCPv4 client finite-state machine
// (Init -> Selecting -> Requesting -> Bound -> Renewing; a Rebinding
// state is defined, but no transition enters it) and a minimal authoritative server handing out leases from a
// configured pool (spec §1 "selected application-layer protocols").
package dhcpstack

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/simkernel"
)

// MessageType is the DHCP option-53 message type (RFC 2131 §3).
type MessageType uint8

const (
	MsgDiscover MessageType = 1
	MsgOffer    MessageType = 2
	MsgRequest  MessageType = 3
	MsgDecline  MessageType = 4
	MsgAck      MessageType = 5
	MsgNak      MessageType = 6
	MsgRelease  MessageType = 7
	MsgInform   MessageType = 8
)

const (
	opBootRequest = 1
	opBootReply   = 2
	magicCookie   = 0x63825363

	optSubnetMask  = 1
	optRouter      = 3
	optDNS         = 6
	optReqIP       = 50
	optLeaseTime   = 51
	optMsgType     = 53
	optServerID    = 54
	optParamReqList = 55
	optEnd         = 255
)

// ClientPort/ServerPort are the well-known DHCP UDP ports.
const (
	ClientPort addr.Port = 68
	ServerPort addr.Port = 67
)

// Message is a decoded BOOTP/DHCP packet.
type Message struct {
	Op        uint8
	XID       uint32
	ClientMAC addr.MAC
	YourIP    netip.Addr
	ServerIP  netip.Addr
	Type      MessageType
	RequestedIP netip.Addr
	SubnetMask  netip.Addr
	Router      netip.Addr
	DNS         netip.Addr
	ServerID    netip.Addr
	LeaseTime   time.Duration
}

// Encode serializes m into a minimal DHCP-over-UDP payload. The fixed
// BOOTP header is zero-padded to the conventional 236 bytes, followed
// by the magic cookie and a TLV option area.
func Encode(m Message) []byte {
	buf := make([]byte, 236, 312)
	buf[0] = m.Op
	buf[1] = 1 // htype: Ethernet
	buf[2] = 6 // hlen
	binary.BigEndian.PutUint32(buf[4:8], m.XID)
	if m.YourIP.Is4() {
		a := m.YourIP.As4()
		copy(buf[16:20], a[:])
	}
	if m.ServerIP.Is4() {
		a := m.ServerIP.As4()
		copy(buf[20:24], a[:])
	}
	copy(buf[28:34], m.ClientMAC[:])

	buf = binary.BigEndian.AppendUint32(buf, magicCookie)
	buf = appendOpt(buf, optMsgType, []byte{byte(m.Type)})
	if m.RequestedIP.IsValid() {
		a := m.RequestedIP.As4()
		buf = appendOpt(buf, optReqIP, a[:])
	}
	if m.SubnetMask.IsValid() {
		a := m.SubnetMask.As4()
		buf = appendOpt(buf, optSubnetMask, a[:])
	}
	if m.Router.IsValid() {
		a := m.Router.As4()
		buf = appendOpt(buf, optRouter, a[:])
	}
	if m.DNS.IsValid() {
		a := m.DNS.As4()
		buf = appendOpt(buf, optDNS, a[:])
	}
	if m.ServerID.IsValid() {
		a := m.ServerID.As4()
		buf = appendOpt(buf, optServerID, a[:])
	}
	if m.LeaseTime > 0 {
		var lt [4]byte
		binary.BigEndian.PutUint32(lt[:], uint32(m.LeaseTime/time.Second))
		buf = appendOpt(buf, optLeaseTime, lt[:])
	}
	buf = append(buf, optEnd)
	return buf
}

func appendOpt(buf []byte, code byte, data []byte) []byte {
	buf = append(buf, code, byte(len(data)))
	return append(buf, data...)
}

// Decode parses a DHCP-over-UDP payload produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < 240 {
		return Message{}, errors.New("dhcpstack: message too short").AtWarning()
	}
	m := Message{Op: b[0], XID: binary.BigEndian.Uint32(b[4:8])}
	m.YourIP = netip.AddrFrom4([4]byte(b[16:20]))
	m.ServerIP = netip.AddrFrom4([4]byte(b[20:24]))
	copy(m.ClientMAC[:], b[28:34])

	if binary.BigEndian.Uint32(b[236:240]) != magicCookie {
		return Message{}, errors.New("dhcpstack: bad magic cookie").AtWarning()
	}
	opts := b[240:]
	for len(opts) > 0 {
		code := opts[0]
		if code == optEnd {
			break
		}
		if code == 0 { // pad
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		l := int(opts[1])
		if len(opts) < 2+l {
			break
		}
		data := opts[2 : 2+l]
		switch code {
		case optMsgType:
			if l >= 1 {
				m.Type = MessageType(data[0])
			}
		case optReqIP:
			if l == 4 {
				m.RequestedIP = netip.AddrFrom4([4]byte(data))
			}
		case optSubnetMask:
			if l == 4 {
				m.SubnetMask = netip.AddrFrom4([4]byte(data))
			}
		case optRouter:
			if l == 4 {
				m.Router = netip.AddrFrom4([4]byte(data))
			}
		case optDNS:
			if l == 4 {
				m.DNS = netip.AddrFrom4([4]byte(data))
			}
		case optServerID:
			if l == 4 {
				m.ServerID = netip.AddrFrom4([4]byte(data))
			}
		case optLeaseTime:
			if l == 4 {
				m.LeaseTime = time.Duration(binary.BigEndian.Uint32(data)) * time.Second
			}
		}
		opts = opts[2+l:]
	}
	return m, nil
}

// Sender broadcasts or unicasts a DHCP message on an interface.
type Sender interface {
	SendBroadcast(iface string, msg []byte) error
	SendUnicast(iface string, dst netip.Addr, msg []byte) error
}

// ClientState is the client's RFC 2131 §4.4 state.
type ClientState uint8

const (
	ClientInit ClientState = iota
	ClientSelecting
	ClientRequesting
	ClientBound
	ClientRenewing
	ClientRebinding
)

// Lease is the address configuration the client has bound.
type Lease struct {
	Address    netip.Addr
	SubnetMask netip.Addr
	Router     netip.Addr
	DNS        netip.Addr
	Server     netip.Addr
	Expires    simkernel.Time
}

// Client drives DHCP address acquisition on one interface.
type Client struct {
	iface string
	mac   addr.MAC
	out   Sender
	clock simkernel.Clock
	sched simkernel.Scheduler

	state   ClientState
	xid     uint32
	lease   Lease
	onBound func(Lease)

	retryHandle simkernel.EventHandle
	renewHandle simkernel.EventHandle
}

func NewClient(ifaceName string, mac addr.MAC, out Sender, clock simkernel.Clock, sched simkernel.Scheduler, onBound func(Lease)) *Client {
	return &Client{iface: ifaceName, mac: mac, out: out, clock: clock, sched: sched, onBound: onBound}
}

// Start begins acquisition by broadcasting DHCPDISCOVER.
func (c *Client) Start(xid uint32) {
	c.state = ClientSelecting
	c.xid = xid
	c.out.SendBroadcast(c.iface, Encode(Message{Op: opBootRequest, XID: xid, ClientMAC: c.mac, Type: MsgDiscover}))
	c.retryHandle = c.sched.ScheduleAt(c.clock.Now().Add(5*time.Second), func() { c.onDiscoverTimeout() })
}

func (c *Client) onDiscoverTimeout() {
	if c.state == ClientSelecting {
		c.Start(c.xid + 1)
	}
}

// OnOffer handles a DHCPOFFER by immediately requesting the offered
// address (RFC 2131 §4.4.1: no offer comparison, first offer wins).
func (c *Client) OnOffer(m Message) {
	if c.state != ClientSelecting || m.XID != c.xid {
		return
	}
	if c.retryHandle != nil {
		c.retryHandle.Cancel()
	}
	c.state = ClientRequesting
	req := Message{Op: opBootRequest, XID: c.xid, ClientMAC: c.mac, Type: MsgRequest, RequestedIP: m.YourIP, ServerID: m.ServerIP}
	c.lease = Lease{Address: m.YourIP, SubnetMask: m.SubnetMask, Router: m.Router, DNS: m.DNS, Server: m.ServerIP}
	c.out.SendBroadcast(c.iface, Encode(req))
	c.retryHandle = c.sched.ScheduleAt(c.clock.Now().Add(5*time.Second), func() { c.onRequestTimeout() })
}

func (c *Client) onRequestTimeout() {
	if c.state == ClientRequesting {
		c.state = ClientInit
		c.Start(c.xid + 1)
	}
}

// OnAck handles a DHCPACK, entering the Bound state and scheduling
// T1-based renewal (RFC 2131 §4.4.5, half the lease time).
func (c *Client) OnAck(m Message) {
	if m.XID != c.xid || (c.state != ClientRequesting && c.state != ClientRenewing && c.state != ClientRebinding) {
		return
	}
	if c.retryHandle != nil {
		c.retryHandle.Cancel()
	}
	c.lease.LeaseExpires(c.clock, m.LeaseTime)
	c.state = ClientBound
	c.onBound(c.lease)
	t1 := m.LeaseTime / 2
	c.renewHandle = c.sched.ScheduleAt(c.clock.Now().Add(t1), func() { c.beginRenew() })
}

// OnNak aborts the current lease attempt back to Init.
func (c *Client) OnNak(m Message) {
	if m.XID != c.xid {
		return
	}
	c.state = ClientInit
	c.Start(c.xid + 1)
}

func (c *Client) beginRenew() {
	c.state = ClientRenewing
	req := Message{Op: opBootRequest, XID: c.xid, ClientMAC: c.mac, Type: MsgRequest, RequestedIP: c.lease.Address, ServerID: c.lease.Server}
	c.out.SendUnicast(c.iface, c.lease.Server, Encode(req))
}

func (l *Lease) LeaseExpires(clock simkernel.Clock, d time.Duration) {
	l.Expires = clock.Now().Add(d)
}

func (c *Client) State() ClientState { return c.state }

// ---- Server ----

// Pool is a contiguous range of addresses available for lease.
type Pool struct {
	Start, End netip.Addr
	SubnetMask netip.Addr
	Router     netip.Addr
	DNS        netip.Addr
	LeaseTime  time.Duration
}

type boundLease struct {
	addr    netip.Addr
	mac     addr.MAC
	expires simkernel.Time
}

// Server is a minimal authoritative DHCP server handing out leases from
// a single configured pool.
type Server struct {
	pool  Pool
	out   Sender
	clock simkernel.Clock
	iface string

	byMAC map[addr.MAC]*boundLease
	used  map[netip.Addr]bool
}

func NewServer(ifaceName string, pool Pool, out Sender, clock simkernel.Clock) *Server {
	return &Server{iface: ifaceName, pool: pool, out: out, clock: clock, byMAC: make(map[addr.MAC]*boundLease), used: make(map[netip.Addr]bool)}
}

func (s *Server) allocate(mac addr.MAC) (netip.Addr, bool) {
	if l, ok := s.byMAC[mac]; ok {
		return l.addr, true
	}
	for a := s.pool.Start; a.Compare(s.pool.End) <= 0; a = a.Next() {
		if !s.used[a] {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// OnDiscover answers a DHCPDISCOVER with an offer from the pool.
func (s *Server) OnDiscover(m Message) {
	offeredAddr, ok := s.allocate(m.ClientMAC)
	if !ok {
		return
	}
	offer := Message{
		Op: opBootReply, XID: m.XID, ClientMAC: m.ClientMAC, Type: MsgOffer,
		YourIP: offeredAddr, SubnetMask: s.pool.SubnetMask, Router: s.pool.Router,
		DNS: s.pool.DNS, ServerID: s.serverID(), LeaseTime: s.pool.LeaseTime,
	}
	s.out.SendBroadcast(s.iface, Encode(offer))
}

// OnRequest commits a lease and answers with a DHCPACK, or a DHCPNAK if
// the requested address is no longer available.
func (s *Server) OnRequest(m Message) {
	want := m.RequestedIP
	if !want.IsValid() {
		want = m.YourIP
	}
	if existing, ok := s.byMAC[m.ClientMAC]; ok && existing.addr != want {
		delete(s.used, existing.addr)
		delete(s.byMAC, m.ClientMAC)
	}
	if s.used[want] {
		if existing, ok := s.byMAC[m.ClientMAC]; !ok || existing.addr != want {
			s.out.SendBroadcast(s.iface, Encode(Message{Op: opBootReply, XID: m.XID, ClientMAC: m.ClientMAC, Type: MsgNak, ServerID: s.serverID()}))
			return
		}
	}
	s.used[want] = true
	s.byMAC[m.ClientMAC] = &boundLease{addr: want, mac: m.ClientMAC, expires: s.clock.Now().Add(s.pool.LeaseTime)}
	ack := Message{
		Op: opBootReply, XID: m.XID, ClientMAC: m.ClientMAC, Type: MsgAck,
		YourIP: want, SubnetMask: s.pool.SubnetMask, Router: s.pool.Router,
		DNS: s.pool.DNS, ServerID: s.serverID(), LeaseTime: s.pool.LeaseTime,
	}
	s.out.SendBroadcast(s.iface, Encode(ack))
}

func (s *Server) serverID() netip.Addr { return s.pool.Router }

// Release frees the lease held by mac, if any.
func (s *Server) Release(mac addr.MAC) {
	if l, ok := s.byMAC[mac]; ok {
		delete(s.used, l.addr)
		delete(s.byMAC, mac)
	}
}
