package bgp

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/route"
	"github.com/inetsim/stack/simtest"
)

// scriptedPeer stands in for the remote end of the session, replying to
// each message as a well-behaved BGP speaker would, so the test can
// drive Neighbor's FSM without a second real Neighbor racing it.
type scriptedPeer struct {
	n        *Neighbor
	routerID netip.Addr
	remoteAS uint16
}

func (s *scriptedPeer) OpenConnection(neighbor netip.Addr) error {
	s.n.OnConnectionEstablished()
	return nil
}

func (s *scriptedPeer) Send(neighbor netip.Addr, msg []byte) error {
	hdr := msg[:headerLen]
	body := msg[headerLen:]
	switch MessageType(hdr[18]) {
	case MsgOpen:
		s.n.OnOpen(OpenMessage{Version: 4, ASNumber: s.remoteAS, HoldTime: 90, RouterID: s.routerID})
		s.n.OnKeepalive()
	case MsgKeepalive:
		s.n.OnKeepalive()
	case MsgNotification:
		_, _ = DecodeNotification(body)
	}
	return nil
}

func TestNeighborHandshakeReachesEstablished(t *testing.T) {
	k := simtest.NewKernel(1)

	a := NewNeighbor(netip.MustParseAddr("10.0.0.2"), 65001, 65002, netip.MustParseAddr("1.1.1.1"), nil, k, k)
	a.out = &scriptedPeer{n: a, routerID: netip.MustParseAddr("2.2.2.2"), remoteAS: 65002}

	a.Start()

	if a.State() != StateEstablished {
		t.Fatalf("expected a Established, got %v", a.State())
	}
}

func TestRIBPrefersShorterASPath(t *testing.T) {
	tables := route.NewTables()
	id := tables.NewTable()
	tbl, _ := tables.Table(id)
	rib := NewRIB(tbl, "eth0")

	prefix := netip.MustParsePrefix("10.1.0.0/24")
	rib.Advertise(Route{Prefix: prefix, NextHop: netip.MustParseAddr("10.0.0.2"), ASPath: []uint16{65001, 65003}, FromID: netip.MustParseAddr("1.1.1.1")})
	rib.Advertise(Route{Prefix: prefix, NextHop: netip.MustParseAddr("10.0.0.3"), ASPath: []uint16{65002}, FromID: netip.MustParseAddr("2.2.2.2")})

	best, ok := rib.Lookup(prefix)
	if !ok {
		t.Fatalf("expected a selected route")
	}
	if len(best.ASPath) != 1 {
		t.Fatalf("expected the shorter AS path to win, got %v", best.ASPath)
	}
}

func TestUpdateMessageRoundTrip(t *testing.T) {
	msg := UpdateMessage{
		NLRI: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
		Attr: PathAttr{ASPath: []uint16{65001, 65002}, NextHop: netip.MustParseAddr("192.0.2.1"), Origin: 0},
	}
	encoded := EncodeUpdate(msg)
	decoded, err := DecodeUpdate(encoded[headerLen:])
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if len(decoded.NLRI) != 1 || decoded.NLRI[0] != msg.NLRI[0] {
		t.Fatalf("NLRI mismatch: %+v", decoded.NLRI)
	}
	if len(decoded.Attr.ASPath) != 2 || decoded.Attr.ASPath[0] != 65001 {
		t.Fatalf("AS path mismatch: %+v", decoded.Attr.ASPath)
	}
}
