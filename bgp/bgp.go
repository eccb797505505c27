// Package bgp implements a minimal BGP-4 peering engine (spec §4.8): a
// per-neighbor finite-state machine (Idle -> Connect -> OpenSent ->
// OpenConfirm -> Established), OPEN/UPDATE/KEEPALIVE/NOTIFICATION
// message encode/decode, and shortest-AS-path route selection with a
// router-id tiebreak feeding the node's forwarding table.
package bgp

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/route"
	"github.com/inetsim/stack/simkernel"
)

// State is a neighbor session's RFC 4271 §8 state.
type State uint8

const (
	StateIdle State = iota
	StateConnect
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// MessageType is the BGP message-header type field (RFC 4271 §4.1).
type MessageType uint8

const (
	MsgOpen         MessageType = 1
	MsgUpdate       MessageType = 2
	MsgNotification MessageType = 3
	MsgKeepalive    MessageType = 4
)

const headerLen = 19 // 16-byte marker + 2-byte length + 1-byte type

// OpenMessage is a decoded BGP OPEN (RFC 4271 §4.2).
type OpenMessage struct {
	Version       uint8
	ASNumber      uint16
	HoldTime      uint16
	RouterID      netip.Addr
}

// PathAttr is one route attribute from an UPDATE message; only the
// subset needed for shortest-AS-path selection is modeled.
type PathAttr struct {
	ASPath   []uint16
	NextHop  netip.Addr
	Origin   uint8
}

// UpdateMessage is a decoded BGP UPDATE (RFC 4271 §4.3).
type UpdateMessage struct {
	Withdrawn     []netip.Prefix
	Attr          PathAttr
	NLRI          []netip.Prefix
}

// NotificationMessage reports a session error (RFC 4271 §4.5).
type NotificationMessage struct {
	ErrorCode    uint8
	ErrorSubcode uint8
	Data         []byte
}

func encodeHeader(buf []byte, typ MessageType) []byte {
	out := make([]byte, headerLen, headerLen+len(buf))
	for i := range out[:16] {
		out[i] = 0xFF
	}
	binary.BigEndian.PutUint16(out[16:18], uint16(headerLen+len(buf)))
	out[18] = byte(typ)
	return append(out, buf...)
}

// EncodeOpen serializes an OPEN message.
func EncodeOpen(m OpenMessage) []byte {
	body := make([]byte, 10)
	body[0] = m.Version
	binary.BigEndian.PutUint16(body[1:3], m.ASNumber)
	binary.BigEndian.PutUint16(body[3:5], m.HoldTime)
	if m.RouterID.Is4() {
		a := m.RouterID.As4()
		copy(body[5:9], a[:])
	}
	body[9] = 0 // opt param length: none
	return encodeHeader(body, MsgOpen)
}

// DecodeOpen parses an OPEN message body (header already stripped).
func DecodeOpen(body []byte) (OpenMessage, error) {
	if len(body) < 10 {
		return OpenMessage{}, errors.New("bgp: OPEN too short").AtWarning()
	}
	return OpenMessage{
		Version:  body[0],
		ASNumber: binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: netip.AddrFrom4([4]byte(body[5:9])),
	}, nil
}

// EncodeKeepalive serializes a KEEPALIVE message (header only).
func EncodeKeepalive() []byte { return encodeHeader(nil, MsgKeepalive) }

// EncodeNotification serializes a NOTIFICATION message.
func EncodeNotification(m NotificationMessage) []byte {
	body := append([]byte{m.ErrorCode, m.ErrorSubcode}, m.Data...)
	return encodeHeader(body, MsgNotification)
}

// DecodeNotification parses a NOTIFICATION message body.
func DecodeNotification(body []byte) (NotificationMessage, error) {
	if len(body) < 2 {
		return NotificationMessage{}, errors.New("bgp: NOTIFICATION too short").AtWarning()
	}
	return NotificationMessage{ErrorCode: body[0], ErrorSubcode: body[1], Data: body[2:]}, nil
}

// EncodeUpdate serializes an UPDATE message carrying one NLRI batch
// sharing a single path attribute set — sufficient for this engine's
// one-attribute-set-per-advertisement model.
func EncodeUpdate(m UpdateMessage) []byte {
	var body []byte
	body = appendPrefixes(body, m.Withdrawn, true)

	var attrBytes []byte
	attrBytes = appendPathAttr(attrBytes, 1, []byte{m.Attr.Origin})
	asPathBytes := make([]byte, 0, 2+2*len(m.Attr.ASPath))
	asPathBytes = append(asPathBytes, 2, byte(len(m.Attr.ASPath))) // AS_SEQUENCE
	for _, as := range m.Attr.ASPath {
		asPathBytes = binary.BigEndian.AppendUint16(asPathBytes, as)
	}
	attrBytes = appendPathAttr(attrBytes, 2, asPathBytes)
	if m.Attr.NextHop.Is4() {
		a := m.Attr.NextHop.As4()
		attrBytes = appendPathAttr(attrBytes, 3, a[:])
	}

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(attrBytes)))
	body = append(body, lenBuf[:]...)
	body = append(body, attrBytes...)
	body = appendPrefixes(body, m.NLRI, false)
	return encodeHeader(body, MsgUpdate)
}

func appendPrefixes(body []byte, prefixes []netip.Prefix, withLengthPrefix bool) []byte {
	var encoded []byte
	for _, p := range prefixes {
		bits := p.Bits()
		encoded = append(encoded, byte(bits))
		nBytes := (bits + 7) / 8
		a := p.Addr().As4()
		encoded = append(encoded, a[:nBytes]...)
	}
	if withLengthPrefix {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(encoded)))
		body = append(body, lenBuf[:]...)
	}
	return append(body, encoded...)
}

func appendPathAttr(attrBytes []byte, typ uint8, value []byte) []byte {
	attrBytes = append(attrBytes, 0x40, typ, byte(len(value))) // flags: well-known transitive
	return append(attrBytes, value...)
}

// DecodeUpdate parses an UPDATE message body.
func DecodeUpdate(body []byte) (UpdateMessage, error) {
	if len(body) < 2 {
		return UpdateMessage{}, errors.New("bgp: UPDATE too short").AtWarning()
	}
	withdrawnLen := int(binary.BigEndian.Uint16(body[0:2]))
	offset := 2
	if len(body) < offset+withdrawnLen {
		return UpdateMessage{}, errors.New("bgp: UPDATE withdrawn overrun").AtWarning()
	}
	withdrawn, offset2 := decodePrefixes(body[offset:offset+withdrawnLen], withdrawnLen)
	_ = offset2
	offset += withdrawnLen

	if len(body) < offset+2 {
		return UpdateMessage{}, errors.New("bgp: UPDATE truncated attr length").AtWarning()
	}
	attrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if len(body) < offset+attrLen {
		return UpdateMessage{}, errors.New("bgp: UPDATE attrs overrun").AtWarning()
	}
	attr, err := decodeAttrs(body[offset : offset+attrLen])
	if err != nil {
		return UpdateMessage{}, err
	}
	offset += attrLen

	nlri, _ := decodePrefixes(body[offset:], len(body)-offset)
	return UpdateMessage{Withdrawn: withdrawn, Attr: attr, NLRI: nlri}, nil
}

func decodePrefixes(b []byte, total int) ([]netip.Prefix, int) {
	var out []netip.Prefix
	i := 0
	for i < total {
		bits := int(b[i])
		i++
		nBytes := (bits + 7) / 8
		if i+nBytes > len(b) {
			break
		}
		var a4 [4]byte
		copy(a4[:], b[i:i+nBytes])
		i += nBytes
		out = append(out, netip.PrefixFrom(netip.AddrFrom4(a4), bits))
	}
	return out, i
}

func decodeAttrs(b []byte) (PathAttr, error) {
	var attr PathAttr
	i := 0
	for i+3 <= len(b) {
		typ := b[i+1]
		l := int(b[i+2])
		i += 3
		if i+l > len(b) {
			return attr, errors.New("bgp: attribute overrun").AtWarning()
		}
		val := b[i : i+l]
		switch typ {
		case 1:
			if l >= 1 {
				attr.Origin = val[0]
			}
		case 2:
			if l >= 2 {
				n := int(val[1])
				for j := 0; j < n && 2+j*2+2 <= l; j++ {
					attr.ASPath = append(attr.ASPath, binary.BigEndian.Uint16(val[2+j*2:4+j*2]))
				}
			}
		case 3:
			if l == 4 {
				attr.NextHop = netip.AddrFrom4([4]byte(val))
			}
		}
		i += l
	}
	return attr, nil
}

// Sender carries BGP messages over the neighbor's TCP session.
type Sender interface {
	Send(neighbor netip.Addr, msg []byte) error
	OpenConnection(neighbor netip.Addr) error
}

// Route is one path learned for a prefix.
type Route struct {
	Prefix   netip.Prefix
	NextHop  netip.Addr
	ASPath   []uint16
	FromID   netip.Addr
}

// Neighbor is one peering session's FSM and per-session timers.
type Neighbor struct {
	Addr       netip.Addr
	RemoteAS   uint16
	LocalAS    uint16
	RouterID   netip.Addr
	HoldTime   time.Duration

	state State
	out   Sender
	clock simkernel.Clock
	sched simkernel.Scheduler

	connectRetryCounter int
	holdHandle          simkernel.EventHandle
	keepaliveHandle      simkernel.EventHandle
}

// NewNeighbor creates an Idle-state session to addr.
func NewNeighbor(addr netip.Addr, localAS, remoteAS uint16, routerID netip.Addr, out Sender, clock simkernel.Clock, sched simkernel.Scheduler) *Neighbor {
	return &Neighbor{
		Addr: addr, RemoteAS: remoteAS, LocalAS: localAS, RouterID: routerID,
		HoldTime: 90 * time.Second, state: StateIdle, out: out, clock: clock, sched: sched,
	}
}

func (n *Neighbor) State() State { return n.state }

// Start transitions Idle -> Connect and initiates the TCP session.
func (n *Neighbor) Start() {
	if n.state != StateIdle {
		return
	}
	n.state = StateConnect
	if err := n.out.OpenConnection(n.Addr); err != nil {
		n.state = StateIdle
		n.connectRetryCounter++
	}
}

// OnConnectionEstablished transitions Connect -> OpenSent, sending OPEN.
func (n *Neighbor) OnConnectionEstablished() {
	if n.state != StateConnect {
		return
	}
	n.state = StateOpenSent
	n.out.Send(n.Addr, EncodeOpen(OpenMessage{Version: 4, ASNumber: n.LocalAS, HoldTime: uint16(n.HoldTime / time.Second), RouterID: n.RouterID}))
}

// OnOpen handles a peer OPEN, transitioning OpenSent -> OpenConfirm.
func (n *Neighbor) OnOpen(m OpenMessage) {
	if n.state != StateOpenSent {
		return
	}
	if m.HoldTime > 0 && time.Duration(m.HoldTime)*time.Second < n.HoldTime {
		n.HoldTime = time.Duration(m.HoldTime) * time.Second
	}
	n.state = StateOpenConfirm
	n.out.Send(n.Addr, EncodeKeepalive())
	n.armHoldTimer()
}

// OnKeepalive handles an inbound KEEPALIVE: completes the handshake
// (OpenConfirm -> Established) or simply refreshes the hold timer.
func (n *Neighbor) OnKeepalive() {
	switch n.state {
	case StateOpenConfirm:
		n.state = StateEstablished
		n.armKeepaliveTimer()
	case StateEstablished:
	default:
		return
	}
	n.armHoldTimer()
}

// OnNotification tears the session down per RFC 4271 §8's Idle return.
func (n *Neighbor) OnNotification(m NotificationMessage) {
	n.reset()
}

func (n *Neighbor) armHoldTimer() {
	if n.holdHandle != nil {
		n.holdHandle.Cancel()
	}
	if n.HoldTime <= 0 {
		return
	}
	n.holdHandle = n.sched.ScheduleAt(n.clock.Now().Add(n.HoldTime), func() { n.onHoldExpire() })
}

func (n *Neighbor) armKeepaliveTimer() {
	if n.keepaliveHandle != nil {
		n.keepaliveHandle.Cancel()
	}
	interval := n.HoldTime / 3
	n.keepaliveHandle = n.sched.ScheduleAt(n.clock.Now().Add(interval), func() { n.sendKeepalive() })
}

func (n *Neighbor) sendKeepalive() {
	if n.state != StateEstablished {
		return
	}
	n.out.Send(n.Addr, EncodeKeepalive())
	n.armKeepaliveTimer()
}

func (n *Neighbor) onHoldExpire() {
	n.out.Send(n.Addr, EncodeNotification(NotificationMessage{ErrorCode: 4})) // Hold Timer Expired
	n.reset()
}

func (n *Neighbor) reset() {
	if n.holdHandle != nil {
		n.holdHandle.Cancel()
		n.holdHandle = nil
	}
	if n.keepaliveHandle != nil {
		n.keepaliveHandle.Cancel()
		n.keepaliveHandle = nil
	}
	n.state = StateIdle
}

// RIB is the local routing information base: one best path per prefix,
// selected by shortest AS path with a router-id tiebreak (RFC 4271
// §9.1.2.2, simplified).
type RIB struct {
	byPrefix map[netip.Prefix]Route
	table    *route.Table
	iface    string
}

func NewRIB(table *route.Table, ifaceName string) *RIB {
	return &RIB{byPrefix: make(map[netip.Prefix]Route), table: table, iface: ifaceName}
}

// Advertise offers a candidate path for selection against the current
// best path, installing it into the forwarding table if it wins.
func (r *RIB) Advertise(candidate Route) {
	best, exists := r.byPrefix[candidate.Prefix]
	if !exists || r.better(candidate, best) {
		r.byPrefix[candidate.Prefix] = candidate
		r.table.Add(route.Entry{Prefix: candidate.Prefix, Kind: route.GatewayNext, NextHop: candidate.NextHop, Interface: r.iface})
	}
}

// Withdraw removes a previously advertised prefix.
func (r *RIB) Withdraw(prefix netip.Prefix) {
	rt, ok := r.byPrefix[prefix]
	if !ok {
		return
	}
	delete(r.byPrefix, prefix)
	r.table.Remove(route.Entry{Prefix: prefix, Kind: route.GatewayNext, NextHop: rt.NextHop, Interface: r.iface})
}

func (r *RIB) better(a, b Route) bool {
	if len(a.ASPath) != len(b.ASPath) {
		return len(a.ASPath) < len(b.ASPath)
	}
	return a.FromID.Compare(b.FromID) < 0
}

// Lookup returns the currently selected best path for prefix.
func (r *RIB) Lookup(prefix netip.Prefix) (Route, bool) {
	rt, ok := r.byPrefix[prefix]
	return rt, ok
}
