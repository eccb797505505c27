// Package iface holds the per-node interface table: named link endpoints,
// their bound addresses, link-busy accounting, and egress queueing.
package iface

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/simkernel"
)

// BoundAddr is one address bound to an interface: an Ethernet MAC, an
// IPv4 host+netmask, or an IPv6 host+prefix with optional scope id.
type BoundAddr struct {
	MAC        *addr.MAC
	V4         netip.Addr
	V4Mask     int
	V6         netip.Addr
	V6PrefixLen int
	V6Scope    string
	State      AddrState
}

// AddrState tracks IPv6 DAD progress (§4.4); IPv4/Ethernet addresses are
// always Preferred.
type AddrState uint8

const (
	AddrPreferred AddrState = iota
	AddrTentative
	AddrDuplicated
)

// Flags are the boolean interface attributes from the data model (§3).
type Flags struct {
	Up          bool
	Loopback    bool
	Router      bool
	Promiscuous bool
}

// Interest is a writability waiter registered while the link is busy.
type Interest struct {
	FD   uint32
	Wake func()
}

// Interface is one named link endpoint owned exclusively by the IO context.
type Interface struct {
	Name    string // seven-byte packed name + collision byte per §3; kept as a plain string here
	MAC     addr.MAC
	Addrs   []BoundAddr
	Flags   Flags
	Active  bool
	Gate    simkernel.Gate

	busyUntil simkernel.Time
	limiter   *rate.Limiter
	sendQueue []queuedFrame
	interests []Interest

	clock simkernel.Clock
	sched simkernel.Scheduler
}

// New creates an interface bound to the given simulator gate. A
// token-bucket limiter is built from the gate's bitrate but never
// consulted: busy-until windows (§4.2) are computed in transmit from the
// gate's bitrate and latency.
func New(name string, mac addr.MAC, gate simkernel.Gate, clock simkernel.Clock, sched simkernel.Scheduler) *Interface {
	bitrate := gate.Bitrate()
	if bitrate == 0 {
		bitrate = 1
	}
	return &Interface{
		Name:    name,
		MAC:     mac,
		Gate:    gate,
		Active:  true,
		limiter: rate.NewLimiter(rate.Limit(bitrate/8), int(bitrate/8)+1500),
		clock:   clock,
		sched:   sched,
	}
}

// Busy reports whether the link is currently transmitting a prior frame.
func (ifc *Interface) Busy() bool {
	return ifc.clock.Now().Before(ifc.busyUntil)
}

// Send attempts to emit a frame now. If the link is idle, it is handed
// to the gate immediately and busy-until is computed from frame size,
// bitrate, and latency; if busy, the frame is queued for transmission
// on the next link-unbusied event.
func (ifc *Interface) Send(msg *simkernel.Message, frameBytes int) error {
	if !ifc.Active {
		return errors.New("iface: interface inactive").AtWarning()
	}
	if ifc.Busy() {
		ifc.sendQueue = append(ifc.sendQueue, queuedFrame{msg: msg, bytes: frameBytes})
		return nil
	}
	return ifc.transmit(msg, frameBytes)
}

func (ifc *Interface) transmit(msg *simkernel.Message, frameBytes int) error {
	if err := ifc.Gate.Send(msg); err != nil {
		return errors.New("iface: gate send failed").Base(err)
	}
	txTime := time.Duration(float64(frameBytes*8)/float64(ifc.Gate.Bitrate())*float64(time.Second)) + ifc.Gate.Latency()
	ifc.busyUntil = ifc.clock.Now().Add(txTime)
	ifc.sched.ScheduleAt(ifc.busyUntil, ifc.onUnbusy)
	return nil
}

// onUnbusy transmits the next queued frame, if any; once the queue is
// empty it wakes the writable interests instead.
func (ifc *Interface) onUnbusy() {
	if len(ifc.sendQueue) > 0 {
		qf := ifc.sendQueue[0]
		ifc.sendQueue = ifc.sendQueue[1:]
		ifc.transmit(qf.msg, qf.bytes)
		return
	}
	for _, in := range ifc.interests {
		in.Wake()
	}
	ifc.interests = nil
}

// RegisterWritable registers a waker invoked the next time the link
// transitions from busy to idle with an empty send queue.
func (ifc *Interface) RegisterWritable(fd uint32, wake func()) {
	if !ifc.Busy() && len(ifc.sendQueue) == 0 {
		wake()
		return
	}
	ifc.interests = append(ifc.interests, Interest{FD: fd, Wake: wake})
}

// AddAddr binds a new address to the interface.
func (ifc *Interface) AddAddr(a BoundAddr) {
	ifc.Addrs = append(ifc.Addrs, a)
}

// HasV4 reports whether addr is one of the interface's bound IPv4 addresses.
func (ifc *Interface) HasV4(a netip.Addr) bool {
	for _, b := range ifc.Addrs {
		if b.V4.IsValid() && b.V4 == a && b.State == AddrPreferred {
			return true
		}
	}
	return false
}

// HasV6 reports whether addr is one of the interface's bound IPv6 addresses.
func (ifc *Interface) HasV6(a netip.Addr) bool {
	for _, b := range ifc.Addrs {
		if b.V6.IsValid() && b.V6 == a && b.State == AddrPreferred {
			return true
		}
	}
	return false
}

// queuedFrame is one send-queue entry awaiting the link-unbusied event.
type queuedFrame struct {
	msg   *simkernel.Message
	bytes int
}
