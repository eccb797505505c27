// Package dnsstack serves A/AAAA/PTR/CNAME/NS records from an in-memory
// zone and forwards non-authoritative queries to a configured upstream
// nameserver. It stops short of full recursion, matching spec §1's
// exclusion of a complete recursive resolver.
package dnsstack

import (
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/simkernel"
)

// Sender forwards a packed query to the configured upstream and invokes
// done with the packed response once it arrives (or with a nil response
// on timeout), mirroring the host's async socket model.
type Sender interface {
	Forward(upstream netip.Addr, port addr.Port, query []byte, done func(response []byte))
}

// Zone is an authoritative, in-memory record set for one origin.
type Zone struct {
	Origin  string
	records map[string][]dns.RR
}

// NewZone parses a zone master file (RFC 1035 presentation format) via
// miekg/dns's zone parser.
func NewZone(origin string, masterFile string) (*Zone, error) {
	z := &Zone{Origin: dns.Fqdn(origin), records: make(map[string][]dns.RR)}
	zp := dns.NewZoneParser(strings.NewReader(masterFile), z.Origin, "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		name := strings.ToLower(rr.Header().Name)
		z.records[name] = append(z.records[name], rr)
	}
	if err := zp.Err(); err != nil {
		return nil, errors.New("dnsstack: zone parse failed").Base(err)
	}
	return z, nil
}

func (z *Zone) lookup(name string, qtype uint16) []dns.RR {
	name = strings.ToLower(dns.Fqdn(name))
	var out []dns.RR
	for _, rr := range z.records[name] {
		if qtype == dns.TypeANY || rr.Header().Rrtype == qtype || rr.Header().Rrtype == dns.TypeCNAME {
			out = append(out, rr)
		}
	}
	return out
}

func (z *Zone) authoritative(name string) bool {
	return strings.HasSuffix(strings.ToLower(dns.Fqdn(name)), z.Origin)
}

type cacheEntry struct {
	rrs     []dns.RR
	expires simkernel.Time
}

// Cache holds previously resolved answers, evicted by TTL against the
// simulated clock.
type Cache struct {
	clock simkernel.Clock
	byKey map[string]cacheEntry
}

func newCache(clock simkernel.Clock) *Cache {
	return &Cache{clock: clock, byKey: make(map[string]cacheEntry)}
}

func cacheKey(name string, qtype uint16) string {
	return strings.ToLower(dns.Fqdn(name)) + "/" + dns.TypeToString[qtype]
}

func (c *Cache) get(name string, qtype uint16) ([]dns.RR, bool) {
	e, ok := c.byKey[cacheKey(name, qtype)]
	if !ok || c.clock.Now() >= e.expires {
		return nil, false
	}
	return e.rrs, true
}

func (c *Cache) put(name string, qtype uint16, rrs []dns.RR, ttl time.Duration) {
	c.byKey[cacheKey(name, qtype)] = cacheEntry{rrs: rrs, expires: c.clock.Now().Add(ttl)}
}

// Server is the per-node DNS subsystem: zero or more authoritative
// zones, a resolution cache, and an optional upstream forwarder.
type Server struct {
	zones    []*Zone
	cache    *Cache
	upstream netip.Addr
	upstreamPort addr.Port
	sender   Sender
	pending  map[uint16]func(response []byte)
}

// New creates a server. upstream may be the zero netip.Addr if no
// forwarding is configured.
func New(clock simkernel.Clock, sender Sender, upstream netip.Addr, upstreamPort addr.Port) *Server {
	return &Server{
		cache:        newCache(clock),
		upstream:     upstream,
		upstreamPort: upstreamPort,
		sender:       sender,
		pending:      make(map[uint16]func(response []byte)),
	}
}

// AddZone registers an authoritative zone.
func (s *Server) AddZone(z *Zone) { s.zones = append(s.zones, z) }

func (s *Server) zoneFor(name string) *Zone {
	for _, z := range s.zones {
		if z.authoritative(name) {
			return z
		}
	}
	return nil
}

// HandleQuery answers a packed DNS query through done. An authoritative
// or cached answer, or a SERVFAIL when no upstream is configured, is
// passed to done before HandleQuery returns. A query that must be
// forwarded upstream is answered later: done is called once the upstream
// reply lands. A query that does not unpack is dropped without calling done.
func (s *Server) HandleQuery(query []byte, done func(response []byte)) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return
	}
	if len(req.Question) == 0 {
		return
	}
	q := req.Question[0]

	if z := s.zoneFor(q.Name); z != nil {
		rrs := z.lookup(q.Name, q.Qtype)
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Authoritative = true
		resp.Answer = rrs
		if len(rrs) == 0 {
			resp.Rcode = dns.RcodeNameError
		}
		packed, err := resp.Pack()
		if err == nil {
			done(packed)
		}
		return
	}

	if rrs, ok := s.cache.get(q.Name, q.Qtype); ok {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Answer = rrs
		packed, err := resp.Pack()
		if err == nil {
			done(packed)
		}
		return
	}

	if !s.upstream.IsValid() || s.sender == nil {
		resp := new(dns.Msg)
		resp.SetReply(req)
		resp.Rcode = dns.RcodeServerFailure
		packed, err := resp.Pack()
		if err == nil {
			done(packed)
		}
		return
	}

	s.pending[req.Id] = done
	s.sender.Forward(s.upstream, s.upstreamPort, query, func(response []byte) {
		s.onUpstreamResponse(q.Name, q.Qtype, response)
	})
}

func (s *Server) onUpstreamResponse(name string, qtype uint16, response []byte) {
	resp := new(dns.Msg)
	if err := resp.Unpack(response); err != nil {
		return
	}
	done, ok := s.pending[resp.Id]
	if !ok {
		return
	}
	delete(s.pending, resp.Id)
	if resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
		ttl := time.Duration(resp.Answer[0].Header().Ttl) * time.Second
		s.cache.put(name, qtype, resp.Answer, ttl)
	}
	done(response)
}
