// Package arp implements IPv4 address resolution: a cache of IP→MAC
// bindings plus pending-request buffering while resolution is in flight
// (spec §4.3).
package arp

import (
	"net/netip"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/simkernel"
)

const (
	defaultRequestTimeout = time.Second
	defaultValidity       = 200 * time.Second
	defaultRetries        = 1
)

type entry struct {
	mac      addr.MAC
	expires  simkernel.Time
	hostname string
}

type pending struct {
	deadline simkernel.Time
	retries  int
	buffered [][]byte
}

// Sender is the outbound path the cache uses to emit ARP requests and
// release buffered packets once a next-hop resolves.
type Sender interface {
	SendRequest(ifaceName string, target netip.Addr)
	Flush(ifaceName string, target netip.Addr, mac addr.MAC, pkt []byte)
	HostUnreachable(ifaceName string, target netip.Addr, pkt []byte)
}

// Cache is the per-interface-table ARP resolver. One Cache instance
// covers the whole node; entries are additionally keyed by interface
// since the same peer address may be reachable on different links.
type Cache struct {
	clock   simkernel.Clock
	sched   simkernel.Scheduler
	sender  Sender
	entries map[key]entry
	pend    map[key]*pending
	group   singleflight.Group

	requestTimeout time.Duration
	validity       time.Duration
	maxRetries     int
}

type key struct {
	iface string
	addr  netip.Addr
}

func New(clock simkernel.Clock, sched simkernel.Scheduler, sender Sender) *Cache {
	return &Cache{
		clock:          clock,
		sched:          sched,
		sender:         sender,
		entries:        make(map[key]entry),
		pend:           make(map[key]*pending),
		requestTimeout: defaultRequestTimeout,
		validity:       defaultValidity,
		maxRetries:     defaultRetries,
	}
}

// Lookup returns the cached MAC for target on the named interface, if
// present and unexpired.
func (c *Cache) Lookup(ifaceName string, target netip.Addr) (addr.MAC, bool) {
	e, ok := c.entries[key{ifaceName, target}]
	if !ok || !c.clock.Now().Before(e.expires) {
		return addr.MAC{}, false
	}
	return e.mac, true
}

// Resolve implements the full contract of §4.3: a cache hit returns
// immediately via ok=true; a miss buffers pkt, starts (or joins) a
// pending request, and returns ok=false.
func (c *Cache) Resolve(ifaceName string, target netip.Addr, pkt []byte) (addr.MAC, bool) {
	if mac, ok := c.Lookup(ifaceName, target); ok {
		return mac, true
	}
	k := key{ifaceName, target}
	p, exists := c.pend[k]
	if !exists {
		p = &pending{deadline: c.clock.Now().Add(c.requestTimeout)}
		c.pend[k] = p
		// singleflight collapses concurrent Resolve calls for the same
		// (interface, target) into one outstanding ARP request.
		c.group.Do(ifaceName+"|"+target.String(), func() (interface{}, error) {
			c.sender.SendRequest(ifaceName, target)
			c.sched.ScheduleAt(p.deadline, func() { c.onTimeout(k) })
			return nil, nil
		})
	}
	if pkt != nil {
		p.buffered = append(p.buffered, pkt)
	}
	return addr.MAC{}, false
}

// OnReply handles an incoming ARP reply: updates the cache and drains
// all buffered packets for that IP atomically.
func (c *Cache) OnReply(ifaceName string, senderIP netip.Addr, senderMAC addr.MAC) {
	k := key{ifaceName, senderIP}
	c.entries[k] = entry{mac: senderMAC, expires: c.clock.Now().Add(c.validity)}
	p, ok := c.pend[k]
	if !ok {
		return
	}
	delete(c.pend, k)
	for _, pkt := range p.buffered {
		c.sender.Flush(ifaceName, senderIP, senderMAC, pkt)
	}
}

func (c *Cache) onTimeout(k key) {
	p, ok := c.pend[k]
	if !ok {
		return // resolved or superseded before the timer fired
	}
	if p.retries < c.maxRetries {
		p.retries++
		p.deadline = c.clock.Now().Add(c.requestTimeout)
		c.sender.SendRequest(k.iface, k.addr)
		c.sched.ScheduleAt(p.deadline, func() { c.onTimeout(k) })
		return
	}
	delete(c.pend, k)
	for _, pkt := range p.buffered {
		c.sender.HostUnreachable(k.iface, k.addr, pkt)
	}
}

// Remove evicts a cache entry, e.g. on interface teardown.
func (c *Cache) Remove(ifaceName string, target netip.Addr) {
	delete(c.entries, key{ifaceName, target})
}
