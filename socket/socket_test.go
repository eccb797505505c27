package socket

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
)

func TestBindRejectsDuplicateFiveTuple(t *testing.T) {
	tbl := NewTable()
	local := addr.TCPDestination(netip.MustParseAddr("10.0.0.1"), addr.Port(8080))

	a := tbl.Create(DomainInet, TypeStream, 6)
	if err := tbl.Bind(a, local); err != nil {
		t.Fatalf("first bind: %v", err)
	}

	b := tbl.Create(DomainInet, TypeStream, 6)
	if err := tbl.Bind(b, local); err == nil {
		t.Fatalf("expected address-in-use error on duplicate bind")
	}
}

func TestLookupFallsBackToUnspecifiedRemote(t *testing.T) {
	tbl := NewTable()
	local := addr.UDPDestination(netip.MustParseAddr("0.0.0.0"), addr.Port(53))
	s := tbl.Create(DomainInet, TypeDatagram, 17)
	if err := tbl.Bind(s, local); err != nil {
		t.Fatalf("bind: %v", err)
	}

	remote := addr.UDPDestination(netip.MustParseAddr("8.8.8.8"), addr.Port(12345))
	found, ok := tbl.Lookup(DomainInet, 17, local, remote)
	if !ok || found.FD != s.FD {
		t.Fatalf("expected fallback lookup to find the wildcard-bound socket")
	}
}

func TestCloseRemovesSocketAndTupleIndex(t *testing.T) {
	tbl := NewTable()
	local := addr.TCPDestination(netip.MustParseAddr("10.0.0.1"), addr.Port(9090))
	s := tbl.Create(DomainInet, TypeStream, 6)
	tbl.Bind(s, local)

	tbl.Close(s.FD)

	if _, ok := tbl.Get(s.FD); ok {
		t.Fatalf("expected socket removed after Close")
	}
	other := tbl.Create(DomainInet, TypeStream, 6)
	if err := tbl.Bind(other, local); err != nil {
		t.Fatalf("expected address reusable after Close, got %v", err)
	}
}
