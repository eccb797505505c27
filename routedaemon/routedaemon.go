// Package routedaemon maintains static routes plus a RIP-like distance
// vector protocol advertising learned routes to directly connected
// neighbors; static routes are installed in the table but not advertised
// (spec §2 "Routing daemons").
package routedaemon

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/route"
	"github.com/inetsim/stack/simkernel"
)

// Command is the RIP message command field (RFC 2453 §4).
type Command uint8

const (
	CommandRequest  Command = 1
	CommandResponse Command = 2
)

const (
	ripVersion      = 2
	maxEntriesPerPacket = 25
	infinityMetric  = 16
	updateInterval  = 30 * time.Second
	routeTimeout    = 180 * time.Second
	garbageTimeout  = 120 * time.Second
)

// Entry is one RIP route advertisement (RFC 2453 §4).
type Entry struct {
	AddrFamily uint16
	Target     netip.Addr
	Mask       netip.Addr
	NextHop    netip.Addr
	Metric     uint32
}

// Packet is a decoded RIP message.
type Packet struct {
	Command Command
	Entries []Entry
}

// Encode serializes p, splitting into multiple packets of at most 25
// entries each the way the original advertiser batches updates.
func Encode(command Command, entries []Entry) [][]byte {
	var out [][]byte
	for len(entries) > 0 {
		n := len(entries)
		if n > maxEntriesPerPacket {
			n = maxEntriesPerPacket
		}
		out = append(out, encodeOne(command, entries[:n]))
		entries = entries[n:]
	}
	if len(out) == 0 {
		out = append(out, encodeOne(command, nil))
	}
	return out
}

func encodeOne(command Command, entries []Entry) []byte {
	buf := make([]byte, 4, 4+20*len(entries))
	buf[0] = byte(command)
	buf[1] = ripVersion
	for _, e := range entries {
		var row [20]byte
		binary.BigEndian.PutUint16(row[0:2], e.AddrFamily)
		if e.Target.Is4() {
			a := e.Target.As4()
			copy(row[4:8], a[:])
		}
		if e.Mask.Is4() {
			a := e.Mask.As4()
			copy(row[8:12], a[:])
		}
		if e.NextHop.Is4() {
			a := e.NextHop.As4()
			copy(row[12:16], a[:])
		}
		binary.BigEndian.PutUint32(row[16:20], e.Metric)
		buf = append(buf, row[:]...)
	}
	return buf
}

// Decode parses a RIP packet.
func Decode(b []byte) (Packet, error) {
	if len(b) < 4 {
		return Packet{}, errors.New("routedaemon: RIP packet too short").AtWarning()
	}
	p := Packet{Command: Command(b[0])}
	rows := b[4:]
	for len(rows) >= 20 {
		row := rows[:20]
		p.Entries = append(p.Entries, Entry{
			AddrFamily: binary.BigEndian.Uint16(row[0:2]),
			Target:     netip.AddrFrom4([4]byte(row[4:8])),
			Mask:       netip.AddrFrom4([4]byte(row[8:12])),
			NextHop:    netip.AddrFrom4([4]byte(row[12:16])),
			Metric:     binary.BigEndian.Uint32(row[16:20]),
		})
		rows = rows[20:]
	}
	return p, nil
}

// Sender broadcasts a RIP packet on an interface.
type Sender interface {
	Broadcast(iface string, payload []byte) error
}

type ripRoute struct {
	metric  uint32
	nextHop netip.Addr
	iface   string
	changed simkernel.Time
	garbage bool
}

// Daemon maintains a node's static routes and runs RIP-like periodic
// and triggered advertisement over its interfaces.
type Daemon struct {
	table  *route.Table
	out    Sender
	clock  simkernel.Clock
	sched  simkernel.Scheduler
	ifaces []string

	learned map[netip.Prefix]*ripRoute

	updateHandle simkernel.EventHandle
}

// New creates a daemon that installs routes in table and advertises its
// RIP-learned routes out of the given interfaces.
func New(table *route.Table, out Sender, clock simkernel.Clock, sched simkernel.Scheduler, ifaces []string) *Daemon {
	return &Daemon{table: table, out: out, clock: clock, sched: sched, ifaces: ifaces, learned: make(map[netip.Prefix]*ripRoute)}
}

// AddStaticRoute installs a manually configured route (metric 0, never
// aged out or overwritten by RIP updates).
func (d *Daemon) AddStaticRoute(prefix netip.Prefix, nextHop netip.Addr, iface string) {
	d.table.Add(route.Entry{Prefix: prefix, Kind: route.GatewayNext, NextHop: nextHop, Interface: iface})
}

// Start begins periodic full-table RIP advertisement.
func (d *Daemon) Start() {
	d.advertise()
	d.scheduleNextUpdate()
}

func (d *Daemon) scheduleNextUpdate() {
	d.updateHandle = d.sched.ScheduleAt(d.clock.Now().Add(updateInterval), func() {
		d.advertise()
		d.scheduleNextUpdate()
	})
}

func (d *Daemon) advertise() {
	entries := make([]Entry, 0, len(d.learned))
	for prefix, r := range d.learned {
		if r.garbage {
			continue
		}
		mask := prefixMask(prefix)
		entries = append(entries, Entry{AddrFamily: 2, Target: prefix.Addr(), Mask: mask, NextHop: r.nextHop, Metric: r.metric})
	}
	for _, iface := range d.ifaces {
		for _, payload := range Encode(CommandResponse, entries) {
			_ = d.out.Broadcast(iface, payload)
		}
	}
}

func prefixMask(p netip.Prefix) netip.Addr {
	bits := p.Bits()
	var b [4]byte
	for i := 0; i < bits; i++ {
		b[i/8] |= 1 << (7 - uint(i%8))
	}
	return netip.AddrFrom4(b)
}

// OnPacket processes a received RIP packet from a neighbor reached via
// iface, applying the Bellman-Ford distance-vector update rule (RFC
// 2453 §3.9: prefer strictly lower metric; refresh on equal metric from
// the same next hop; split-horizon is left to the caller's topology).
func (d *Daemon) OnPacket(iface string, from netip.Addr, pkt Packet) {
	if pkt.Command == CommandRequest {
		d.advertise()
		return
	}
	changed := false
	for _, e := range pkt.Entries {
		metric := e.Metric + 1
		if metric > infinityMetric {
			metric = infinityMetric
		}
		prefix := netip.PrefixFrom(e.Target, maskBits(e.Mask))
		existing, ok := d.learned[prefix]
		if !ok || metric < existing.metric || (existing.nextHop == from && metric != existing.metric) {
			if ok && metric >= infinityMetric {
				existing.metric = infinityMetric
				existing.garbage = true
				existing.changed = d.clock.Now()
				d.scheduleGarbageCollect(prefix)
				changed = true
				continue
			}
			if metric >= infinityMetric {
				continue
			}
			d.learned[prefix] = &ripRoute{metric: metric, nextHop: from, iface: iface, changed: d.clock.Now()}
			d.table.Add(route.Entry{Prefix: prefix, Kind: route.GatewayNext, NextHop: from, Interface: iface})
			d.scheduleTimeout(prefix)
			changed = true
		}
	}
	if changed {
		d.advertise() // triggered update
	}
}

func maskBits(mask netip.Addr) int {
	if !mask.Is4() {
		return 0
	}
	a := mask.As4()
	bits := 0
	for _, byt := range a {
		for b := byt; b != 0; b >>= 1 {
			if b&1 == 1 {
				bits++
			}
		}
	}
	return bits
}

func (d *Daemon) scheduleTimeout(prefix netip.Prefix) {
	d.sched.ScheduleAt(d.clock.Now().Add(routeTimeout), func() {
		r, ok := d.learned[prefix]
		if !ok || r.garbage {
			return
		}
		r.metric = infinityMetric
		r.garbage = true
		d.scheduleGarbageCollect(prefix)
		d.advertise()
	})
}

func (d *Daemon) scheduleGarbageCollect(prefix netip.Prefix) {
	d.sched.ScheduleAt(d.clock.Now().Add(garbageTimeout), func() {
		r, ok := d.learned[prefix]
		if !ok || !r.garbage {
			return
		}
		d.table.Remove(route.Entry{Prefix: prefix, Kind: route.GatewayNext, NextHop: r.nextHop, Interface: r.iface})
		delete(d.learned, prefix)
	})
}

// Stop cancels the periodic update timer.
func (d *Daemon) Stop() {
	if d.updateHandle != nil {
		d.updateHandle.Cancel()
		d.updateHandle = nil
	}
}
