package hostapi

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/dispatcher"
	"github.com/inetsim/stack/simtest"
	"github.com/inetsim/stack/socket"
	"github.com/inetsim/stack/udpstack"
)

type fakeUDPSender struct {
	sent []udpstack.Datagram
}

func (f *fakeUDPSender) SendDatagram(iface string, src, dst netip.Addr, srcPort, dstPort addr.Port, payload []byte) error {
	f.sent = append(f.sent, udpstack.Datagram{From: src, FromPort: srcPort, Payload: payload})
	return nil
}
func (f *fakeUDPSender) PortUnreachable(src netip.Addr, srcPort addr.Port, dst netip.Addr, dstPort addr.Port, offending []byte) {
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	k := simtest.NewKernel(1)
	ctx := dispatcher.New(k, k, k)
	ctx.UDP = udpstack.New(ctx.Sockets, &fakeUDPSender{})
	return New(ctx)
}

func TestBindSendAndReceiveUDP(t *testing.T) {
	h := newTestHost(t)

	s := h.CreateSocket(socket.DomainInet, socket.TypeDatagram, 17)
	if err := h.Bind(s, netip.MustParseAddr("10.0.0.1"), addr.Port(5000)); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := h.SendTo(s, "eth0", netip.MustParseAddr("10.0.0.9"), addr.Port(53), []byte("q")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	h.ctx.UDP.Deliver("eth0", netip.MustParseAddr("10.0.0.9"), netip.MustParseAddr("10.0.0.1"), addr.Port(53), addr.Port(5000), []byte("a"))

	dg, err := h.RecvFrom(s, func() {})
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(dg.Payload) != "a" {
		t.Fatalf("expected payload 'a', got %q", dg.Payload)
	}
}

func TestCloseSocketRemovesItFromTable(t *testing.T) {
	h := newTestHost(t)
	s := h.CreateSocket(socket.DomainInet, socket.TypeDatagram, 17)
	h.Bind(s, netip.MustParseAddr("10.0.0.1"), addr.Port(6000))

	h.CloseSocket(s)

	if _, ok := h.ctx.Sockets.Get(s.FD); ok {
		t.Fatalf("expected socket removed from the table after CloseSocket")
	}
}

func TestBindUnsupportedSocketTypeFails(t *testing.T) {
	h := newTestHost(t)
	s := h.CreateSocket(socket.DomainInet, socket.TypeRaw, 0)
	if err := h.Bind(s, netip.MustParseAddr("10.0.0.1"), addr.Port(7000)); err == nil {
		t.Fatalf("expected an error binding a raw socket")
	}
}
