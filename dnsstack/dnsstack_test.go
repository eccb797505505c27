package dnsstack

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/simtest"
)

const testZone = `
$TTL 300
example.com. IN SOA ns.example.com. hostmaster.example.com. 1 3600 600 86400 300
example.com. IN NS ns.example.com.
www.example.com. IN A 192.0.2.10
www.example.com. IN AAAA 2001:db8::10
`

func TestAuthoritativeAnswerFromZone(t *testing.T) {
	z, err := NewZone("example.com.", testZone)
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}
	k := simtest.NewKernel(1)
	s := New(k, nil, netip.Addr{}, 0)
	s.AddZone(z)

	query := buildQuery(t, "www.example.com.", 1) // A
	var got []byte
	s.HandleQuery(query, func(resp []byte) { got = resp })
	if got == nil {
		t.Fatalf("expected synchronous authoritative answer")
	}
}

func TestNonAuthoritativeForwardsUpstream(t *testing.T) {
	z, _ := NewZone("example.com.", testZone)
	k := simtest.NewKernel(1)
	fwd := &fakeSender{}
	s := New(k, fwd, netip.MustParseAddr("203.0.113.1"), addr.Port(53))
	s.AddZone(z)

	query := buildQuery(t, "other.org.", 1)
	called := false
	s.HandleQuery(query, func(resp []byte) { called = true })
	if called {
		t.Fatalf("expected forwarding, not a synchronous reply")
	}
	if !fwd.forwarded {
		t.Fatalf("expected Forward to be invoked")
	}
}

type fakeSender struct{ forwarded bool }

func (f *fakeSender) Forward(upstream netip.Addr, port addr.Port, query []byte, done func([]byte)) {
	f.forwarded = true
}

func buildQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	b, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	return b
}
