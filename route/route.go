// Package route implements longest-prefix forwarding tables for IPv4
// and IPv6, with support for multiple tables queried in reverse order
// of creation (spec §3 "Forwarding Table").
package route

import (
	"net/netip"
	"sort"

	"go4.org/netipx"
)

// Gateway identifies how a matching destination is reached.
type GatewayKind uint8

const (
	GatewayLocal GatewayKind = iota
	GatewayBroadcast
	GatewayNext
)

// Entry is one forwarding table row.
type Entry struct {
	Prefix    netip.Prefix
	Kind      GatewayKind
	NextHop   netip.Addr // valid only when Kind == GatewayNext
	Interface string
}

// Table is one forwarding table for a single address family. Entries
// are kept sorted by increasing prefix length so a reverse scan yields
// the longest (most specific) match first; ties keep insertion order.
type Table struct {
	id      int
	entries []Entry
}

// Tables holds every table created for a node, queried most-recently-
// created first (§3: "lookup queries tables in reverse order of creation").
type Tables struct {
	byID map[int]*Table
	order []int
	nextID int
}

func NewTables() *Tables {
	return &Tables{byID: make(map[int]*Table)}
}

// NewTable creates and registers a table, returning its id.
func (t *Tables) NewTable() int {
	id := t.nextID
	t.nextID++
	t.byID[id] = &Table{id: id}
	t.order = append(t.order, id)
	return id
}

func (t *Tables) Table(id int) (*Table, bool) {
	tbl, ok := t.byID[id]
	return tbl, ok
}

// Lookup queries every table in reverse creation order and returns the
// first (most specific) match found.
func (t *Tables) Lookup(dst netip.Addr) (Entry, bool) {
	for i := len(t.order) - 1; i >= 0; i-- {
		if e, ok := t.byID[t.order[i]].Lookup(dst); ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Add inserts an entry, keeping the table sorted by ascending prefix
// length (stable, to preserve insertion order among equal-length ties).
func (tbl *Table) Add(e Entry) {
	tbl.entries = append(tbl.entries, e)
	sort.SliceStable(tbl.entries, func(i, j int) bool {
		return tbl.entries[i].Prefix.Bits() < tbl.entries[j].Prefix.Bits()
	})
}

// Lookup returns the longest-prefix match for dst within this table.
func (tbl *Table) Lookup(dst netip.Addr) (Entry, bool) {
	for i := len(tbl.entries) - 1; i >= 0; i-- {
		e := tbl.entries[i]
		if e.Prefix.Contains(dst) {
			return e, true
		}
	}
	return Entry{}, false
}

// Overlaps reports whether candidate overlaps any existing entry's
// prefix in this table, using netipx set arithmetic.
func (tbl *Table) Overlaps(candidate netip.Prefix) bool {
	var b netipx.IPSetBuilder
	b.AddPrefix(candidate)
	candSet, err := b.IPSet()
	if err != nil {
		return false
	}
	for _, e := range tbl.entries {
		var ob netipx.IPSetBuilder
		ob.AddPrefix(e.Prefix)
		existing, err := ob.IPSet()
		if err != nil {
			continue
		}
		if existing.Overlaps(candSet) {
			return true
		}
	}
	return false
}

// Remove deletes the entry equal to e, if present.
func (tbl *Table) Remove(e Entry) {
	for i, cur := range tbl.entries {
		if cur.Prefix == e.Prefix && cur.Interface == e.Interface && cur.NextHop == e.NextHop {
			tbl.entries = append(tbl.entries[:i], tbl.entries[i+1:]...)
			return
		}
	}
}
