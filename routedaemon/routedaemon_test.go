package routedaemon

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/route"
	"github.com/inetsim/stack/simtest"
)

type captureSender struct {
	sent [][]byte
}

func (c *captureSender) Broadcast(iface string, payload []byte) error {
	c.sent = append(c.sent, payload)
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []Entry{
		{AddrFamily: 2, Target: netip.MustParseAddr("10.0.1.0"), Mask: netip.MustParseAddr("255.255.255.0"), NextHop: netip.MustParseAddr("10.0.0.1"), Metric: 2},
	}
	packets := Encode(CommandResponse, entries)
	if len(packets) != 1 {
		t.Fatalf("expected a single packet, got %d", len(packets))
	}
	decoded, err := Decode(packets[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(decoded.Entries) != 1 || decoded.Entries[0].Metric != 2 {
		t.Fatalf("entry mismatch: %+v", decoded.Entries)
	}
}

func TestOnPacketInstallsLowerMetricRoute(t *testing.T) {
	k := simtest.NewKernel(1)
	tables := route.NewTables()
	id := tables.NewTable()
	tbl, _ := tables.Table(id)
	sender := &captureSender{}
	d := New(tbl, sender, k, k, []string{"eth0"})

	pkt := Packet{Command: CommandResponse, Entries: []Entry{
		{AddrFamily: 2, Target: netip.MustParseAddr("192.168.5.0"), Mask: netip.MustParseAddr("255.255.255.0"), NextHop: netip.Addr{}, Metric: 1},
	}}
	d.OnPacket("eth0", netip.MustParseAddr("10.0.0.5"), pkt)

	entry, ok := tbl.Lookup(netip.MustParseAddr("192.168.5.10"))
	if !ok {
		t.Fatalf("expected installed route for learned prefix")
	}
	if entry.NextHop != netip.MustParseAddr("10.0.0.5") {
		t.Fatalf("expected next hop 10.0.0.5, got %v", entry.NextHop)
	}
	if len(sender.sent) == 0 {
		t.Fatalf("expected a triggered update to be sent")
	}
}

func TestStaticRouteInstalledDirectly(t *testing.T) {
	tables := route.NewTables()
	id := tables.NewTable()
	tbl, _ := tables.Table(id)
	k := simtest.NewKernel(1)
	d := New(tbl, &captureSender{}, k, k, nil)

	d.AddStaticRoute(netip.MustParsePrefix("172.16.0.0/16"), netip.MustParseAddr("10.0.0.1"), "eth0")

	entry, ok := tbl.Lookup(netip.MustParseAddr("172.16.5.5"))
	if !ok || entry.Interface != "eth0" {
		t.Fatalf("expected static route installed, got %+v ok=%v", entry, ok)
	}
}
