// Package ndp implements IPv6 Neighbor Discovery: the neighbor cache
// state machine, router/prefix lists, destination cache, and the
// tentative-address DAD/SLAAC state machine (spec §4.4).
package ndp

import (
	"net/netip"
	"time"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simkernel"
)

// NeighborState is the RFC 4861 §7.3.2 neighbor cache state.
type NeighborState uint8

const (
	Incomplete NeighborState = iota
	Reachable
	Stale
	Delay
	Probe
)

// Config holds the runtime-mutable NDP options from spec §6.
type Config struct {
	DupAddrDetectTransmits int
	MinRtrAdvInterval      time.Duration
	MaxRtrAdvInterval      time.Duration
	ReachableTime          time.Duration
	RetransTimer           time.Duration
	MaxRtrSolicitDelay     time.Duration
	DelayFirstProbeTime    time.Duration
	MaxUnicastSolicit      int
}

// DefaultConfig uses the RFC 4861 values for reachability, retransmission,
// solicitation delay and probing; the router-advertisement interval is
// shortened to 200ms-600ms.
func DefaultConfig() Config {
	return Config{
		DupAddrDetectTransmits: 1,
		MinRtrAdvInterval:      200 * time.Millisecond,
		MaxRtrAdvInterval:      600 * time.Millisecond,
		ReachableTime:          30 * time.Second,
		RetransTimer:           time.Second,
		MaxRtrSolicitDelay:     time.Second,
		DelayFirstProbeTime:    5 * time.Second,
		MaxUnicastSolicit:      3,
	}
}

// Neighbor is one neighbor cache entry.
type Neighbor struct {
	MAC      addr.MAC
	Iface    string
	Router   bool
	Expires  simkernel.Time
	State    NeighborState
	Buffered [][]byte
	probes   int
}

// RouterEntry is one default-router list entry.
type RouterEntry struct {
	Addr    netip.Addr
	Iface   string
	Expires simkernel.Time
}

// Prefix is one on-link prefix list entry, as learned from RA Prefix
// Information options.
type Prefix struct {
	Prefix     netip.Prefix
	Iface      string
	Autonomous bool
	Expires    simkernel.Time
}

// DestEntry caches the resolved next hop for a destination.
type DestEntry struct {
	NextHop netip.Addr
	OnLink  bool
	PathMTU int
}

// Sender is the outbound path NDP uses to emit solicitations/advertisements.
type Sender interface {
	SendNS(iface string, target, src netip.Addr, srcMAC addr.MAC)
	SendNA(iface string, dst netip.Addr, na pkt.NeighborAdvertisement, srcMAC addr.MAC)
	SendRS(iface string, srcMAC addr.MAC)
	JoinSolicitedNode(iface string, target netip.Addr)
	AddressStateChanged(iface string, a netip.Addr, state AddrState)
	HostUnreachable(iface string, target netip.Addr, pkt []byte)
}

// AddrState mirrors iface.AddrState without importing iface, to avoid a
// cycle (iface is a lower-level package NDP drives from above).
type AddrState uint8

const (
	AddrPreferred AddrState = iota
	AddrTentative
	AddrDuplicated
)

// State is the per-node NDP subsystem: neighbor cache, prefix/router
// lists, destination cache, and in-flight DAD procedures.
type State struct {
	cfg    Config
	clock  simkernel.Clock
	sched  simkernel.Scheduler
	rng    simkernel.RNG
	sender Sender

	neighbors map[neighborKey]*Neighbor
	routers   []RouterEntry
	prefixes  []Prefix
	destCache map[netip.Addr]DestEntry
	dad       map[dadKey]*dadProc
}

type neighborKey struct {
	iface string
	addr  netip.Addr
}

type dadKey struct {
	iface string
	addr  netip.Addr
}

type dadProc struct {
	sent    int
	handle  simkernel.EventHandle
}

func New(cfg Config, clock simkernel.Clock, sched simkernel.Scheduler, rng simkernel.RNG, sender Sender) *State {
	return &State{
		cfg:       cfg,
		clock:     clock,
		sched:     sched,
		rng:       rng,
		sender:    sender,
		neighbors: make(map[neighborKey]*Neighbor),
		destCache: make(map[netip.Addr]DestEntry),
		dad:       make(map[dadKey]*dadProc),
	}
}

// Neighbor cache

func (s *State) Lookup(iface string, target netip.Addr) (*Neighbor, bool) {
	n, ok := s.neighbors[neighborKey{iface, target}]
	return n, ok
}

// Resolve buffers pkt and starts Incomplete-state solicitation if the
// neighbor is unknown; returns the MAC immediately on a Reachable/Stale
// /Delay/Probe hit (those states all have a usable MAC).
func (s *State) Resolve(iface string, target, srcAddr netip.Addr, srcMAC addr.MAC, payload []byte) (addr.MAC, bool) {
	k := neighborKey{iface, target}
	n, ok := s.neighbors[k]
	if ok && n.State != Incomplete {
		if n.State == Stale {
			n.State = Delay
			s.sched.ScheduleAt(s.clock.Now().Add(s.cfg.DelayFirstProbeTime), func() { s.onDelayExpire(k) })
		}
		return n.MAC, true
	}
	if !ok {
		n = &Neighbor{State: Incomplete, Iface: iface}
		s.neighbors[k] = n
		s.sender.SendNS(iface, target, srcAddr, srcMAC)
		s.scheduleSolicitRetry(k, srcAddr, srcMAC)
	}
	if payload != nil {
		n.Buffered = append(n.Buffered, payload)
	}
	return addr.MAC{}, false
}

func (s *State) scheduleSolicitRetry(k neighborKey, srcAddr netip.Addr, srcMAC addr.MAC) {
	s.sched.ScheduleAt(s.clock.Now().Add(s.cfg.RetransTimer), func() {
		n, ok := s.neighbors[k]
		if !ok || n.State != Incomplete {
			return
		}
		n.probes++
		if n.probes >= s.cfg.MaxUnicastSolicit {
			for _, pkt := range n.Buffered {
				s.sender.HostUnreachable(k.iface, k.addr, pkt)
			}
			delete(s.neighbors, k)
			return
		}
		s.sender.SendNS(k.iface, k.addr, srcAddr, srcMAC)
		s.scheduleSolicitRetry(k, srcAddr, srcMAC)
	})
}

func (s *State) onDelayExpire(k neighborKey) {
	n, ok := s.neighbors[k]
	if !ok || n.State != Delay {
		return
	}
	n.State = Probe
	n.probes = 0
}

// OnNeighborAdvertisement applies an incoming NA per the RFC 4861 §7.3.2
// state machine and drains buffered packets on Incomplete→Reachable.
func (s *State) OnNeighborAdvertisement(iface string, na pkt.NeighborAdvertisement) [][]byte {
	k := neighborKey{iface, na.Target}
	n, ok := s.neighbors[k]
	if !ok {
		return nil
	}
	var drained [][]byte
	if na.TargetLinkAddr != nil {
		n.MAC = *na.TargetLinkAddr
	}
	n.Router = na.Router
	if n.State == Incomplete {
		if na.Solicited {
			n.State = Reachable
			s.armReachableTimeout(k)
			drained = n.Buffered
			n.Buffered = nil
		}
	} else if na.Override || n.MAC == (addr.MAC{}) {
		if na.Solicited {
			n.State = Reachable
			s.armReachableTimeout(k)
		} else {
			n.State = Stale
		}
	}
	return drained
}

func (s *State) armReachableTimeout(k neighborKey) {
	s.sched.ScheduleAt(s.clock.Now().Add(s.cfg.ReachableTime), func() {
		n, ok := s.neighbors[k]
		if ok && n.State == Reachable {
			n.State = Stale
		}
	})
}

// OnNeighborSolicitation updates the cache from the source link-layer
// option. It sends no Neighbor Advertisement in reply.
func (s *State) OnNeighborSolicitation(iface string, ns pkt.NeighborSolicitation, remote netip.Addr) {
	if ns.SourceLinkAddr != nil {
		k := neighborKey{iface, remote}
		n, ok := s.neighbors[k]
		if !ok {
			n = &Neighbor{Iface: iface, State: Stale}
			s.neighbors[k] = n
		}
		n.MAC = *ns.SourceLinkAddr
	}
}

// Router / prefix lists

func (s *State) AddRouter(iface string, a netip.Addr, lifetime time.Duration) {
	exp := s.clock.Now().Add(lifetime)
	for i, r := range s.routers {
		if r.Addr == a && r.Iface == iface {
			s.routers[i].Expires = exp
			return
		}
	}
	s.routers = append(s.routers, RouterEntry{Addr: a, Iface: iface, Expires: exp})
}

func (s *State) DefaultRouter() (RouterEntry, bool) {
	now := s.clock.Now()
	for _, r := range s.routers {
		if now.Before(r.Expires) {
			return r, true
		}
	}
	return RouterEntry{}, false
}

func (s *State) AddPrefix(iface string, p netip.Prefix, autonomous bool, lifetime time.Duration) bool {
	exp := s.clock.Now().Add(lifetime)
	for i, existing := range s.prefixes {
		if existing.Prefix == p && existing.Iface == iface {
			s.prefixes[i].Expires = exp
			return false // already known; no new DAD needed
		}
	}
	s.prefixes = append(s.prefixes, Prefix{Prefix: p, Iface: iface, Autonomous: autonomous, Expires: exp})
	return true
}

// DestCache

func (s *State) CacheDest(dst, nextHop netip.Addr, onLink bool, mtu int) {
	s.destCache[dst] = DestEntry{NextHop: nextHop, OnLink: onLink, PathMTU: mtu}
}

func (s *State) LookupDest(dst netip.Addr) (DestEntry, bool) {
	e, ok := s.destCache[dst]
	return e, ok
}

// DAD / SLAAC

// BeginDAD starts duplicate address detection for a newly assigned
// address. If DupAddrDetectTransmits is 0, it transitions immediately.
func (s *State) BeginDAD(iface string, a netip.Addr, srcMAC addr.MAC) {
	s.sender.JoinSolicitedNode(iface, a)
	if s.cfg.DupAddrDetectTransmits == 0 {
		s.sender.AddressStateChanged(iface, a, AddrPreferred)
		return
	}
	k := dadKey{iface, a}
	proc := &dadProc{}
	s.dad[k] = proc
	s.sendDADProbe(k, a, srcMAC)
}

func (s *State) sendDADProbe(k dadKey, target netip.Addr, srcMAC addr.MAC) {
	proc, ok := s.dad[k]
	if !ok {
		return
	}
	// Unspecified source per RFC 4861 §5.4.2: DAD solicitations come from ::.
	s.sender.SendNS(k.iface, target, netip.IPv6Unspecified(), srcMAC)
	proc.sent++
	if proc.sent >= s.cfg.DupAddrDetectTransmits {
		s.sched.ScheduleAt(s.clock.Now().Add(s.cfg.RetransTimer), func() { s.finishDAD(k) })
		return
	}
	s.sched.ScheduleAt(s.clock.Now().Add(s.cfg.RetransTimer), func() { s.sendDADProbe(k, target, srcMAC) })
}

func (s *State) finishDAD(k dadKey) {
	if _, ok := s.dad[k]; !ok {
		return // a conflicting NA already resolved this via FailDAD
	}
	delete(s.dad, k)
	s.sender.AddressStateChanged(k.iface, k.addr, AddrPreferred)
}

// FailDAD is invoked when a Neighbor Advertisement for a tentative
// address arrives during its detection window.
func (s *State) FailDAD(iface string, target netip.Addr) {
	k := dadKey{iface, target}
	if _, ok := s.dad[k]; !ok {
		return
	}
	delete(s.dad, k)
	s.sender.AddressStateChanged(iface, target, AddrDuplicated)
}

// SolicitRSDelay returns a randomized delay bounded by MaxRtrSolicitDelay
// for emitting the initial Router Solicitation on interface-up.
func (s *State) SolicitRSDelay() time.Duration {
	if s.cfg.MaxRtrSolicitDelay <= 0 {
		return 0
	}
	return time.Duration(s.rng.Intn(int(s.cfg.MaxRtrSolicitDelay)))
}

// RAInterval picks a uniformly random unsolicited-RA interval.
func (s *State) RAInterval() time.Duration {
	lo, hi := s.cfg.MinRtrAdvInterval, s.cfg.MaxRtrAdvInterval
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Intn(int(hi-lo)))
}
