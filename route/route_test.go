package route

import (
	"net/netip"
	"testing"
)

func TestTableLookupPrefersLongestPrefix(t *testing.T) {
	tbl := &Table{}
	tbl.Add(Entry{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Kind: GatewayNext, NextHop: netip.MustParseAddr("192.168.1.1"), Interface: "eth0"})
	tbl.Add(Entry{Prefix: netip.MustParsePrefix("10.0.1.0/24"), Kind: GatewayNext, NextHop: netip.MustParseAddr("192.168.1.2"), Interface: "eth1"})

	e, ok := tbl.Lookup(netip.MustParseAddr("10.0.1.5"))
	if !ok {
		t.Fatalf("expected a match")
	}
	if e.Interface != "eth1" {
		t.Fatalf("expected the more specific /24 route to win, got %s", e.Interface)
	}

	e2, ok := tbl.Lookup(netip.MustParseAddr("10.5.5.5"))
	if !ok || e2.Interface != "eth0" {
		t.Fatalf("expected the /8 fallback route, got %+v ok=%v", e2, ok)
	}
}

func TestTablesQueriesReverseCreationOrder(t *testing.T) {
	tables := NewTables()
	id1 := tables.NewTable()
	id2 := tables.NewTable()
	t1, _ := tables.Table(id1)
	t2, _ := tables.Table(id2)

	t1.Add(Entry{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Kind: GatewayNext, NextHop: netip.MustParseAddr("192.168.1.1"), Interface: "eth0"})
	t2.Add(Entry{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Kind: GatewayNext, NextHop: netip.MustParseAddr("192.168.1.2"), Interface: "eth1"})

	e, ok := tables.Lookup(netip.MustParseAddr("8.8.8.8"))
	if !ok {
		t.Fatalf("expected a match")
	}
	if e.Interface != "eth1" {
		t.Fatalf("expected the most recently created table (t2) to win, got %s", e.Interface)
	}
}

func TestOverlapsDetectsIntersectingPrefixes(t *testing.T) {
	tbl := &Table{}
	tbl.Add(Entry{Prefix: netip.MustParsePrefix("10.0.0.0/16"), Kind: GatewayNext, Interface: "eth0"})
	if !tbl.Overlaps(netip.MustParsePrefix("10.0.5.0/24")) {
		t.Fatalf("expected overlap with a contained /24")
	}
	if tbl.Overlaps(netip.MustParsePrefix("192.168.0.0/16")) {
		t.Fatalf("expected no overlap with a disjoint prefix")
	}
}

func TestRemoveDeletesMatchingEntry(t *testing.T) {
	tbl := &Table{}
	e := Entry{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Kind: GatewayNext, NextHop: netip.MustParseAddr("192.168.1.1"), Interface: "eth0"}
	tbl.Add(e)
	tbl.Remove(e)
	if _, ok := tbl.Lookup(netip.MustParseAddr("10.1.1.1")); ok {
		t.Fatalf("expected no match after removal")
	}
}
