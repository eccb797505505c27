package dhcpstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/simtest"
)

type fakeWire struct {
	client *Client
	server *Server
}

func (w *fakeWire) SendBroadcast(iface string, msg []byte) error {
	m, err := Decode(msg)
	if err != nil {
		return err
	}
	switch m.Type {
	case MsgDiscover:
		if w.server != nil {
			w.server.OnDiscover(m)
		}
	case MsgRequest:
		if w.server != nil {
			w.server.OnRequest(m)
		}
	case MsgOffer:
		if w.client != nil {
			w.client.OnOffer(m)
		}
	case MsgAck:
		if w.client != nil {
			w.client.OnAck(m)
		}
	case MsgNak:
		if w.client != nil {
			w.client.OnNak(m)
		}
	}
	return nil
}

func (w *fakeWire) SendUnicast(iface string, dst netip.Addr, msg []byte) error {
	return w.SendBroadcast(iface, msg)
}

func TestClientAcquiresLeaseFromServer(t *testing.T) {
	k := simtest.NewKernel(1)
	wire := &fakeWire{}
	pool := Pool{
		Start:      netip.MustParseAddr("192.168.2.100"),
		End:        netip.MustParseAddr("192.168.2.200"),
		SubnetMask: netip.MustParseAddr("255.255.255.0"),
		Router:     netip.MustParseAddr("192.168.2.1"),
		DNS:        netip.MustParseAddr("192.168.2.1"),
		LeaseTime:  time.Hour,
	}
	server := NewServer("eth0", pool, wire, k)
	wire.server = server

	var bound Lease
	var gotBound bool
	client := NewClient("eth0", addr.MAC{0, 1, 2, 3, 4, 5}, wire, k, k, func(l Lease) {
		bound = l
		gotBound = true
	})
	wire.client = client

	client.Start(1)

	if !gotBound {
		t.Fatalf("expected client to reach Bound state")
	}
	if client.State() != ClientBound {
		t.Fatalf("expected ClientBound, got %v", client.State())
	}
	if !bound.Address.IsValid() || !bound.Address.Is4() {
		t.Fatalf("expected a valid leased address, got %v", bound.Address)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Op: opBootRequest, XID: 0xABCD1234, ClientMAC: addr.MAC{0xAA, 0xBB, 0xCC, 0, 1, 2},
		Type: MsgDiscover,
	}
	decoded, err := Decode(Encode(m))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.XID != m.XID || decoded.Type != m.Type || decoded.ClientMAC != m.ClientMAC {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, m)
	}
}
