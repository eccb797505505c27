package udpstack

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/socket"
)

type fakeSender struct {
	sent          []Datagram
	unreachCount  int
}

func (f *fakeSender) SendDatagram(iface string, src, dst netip.Addr, srcPort, dstPort addr.Port, payload []byte) error {
	f.sent = append(f.sent, Datagram{From: src, FromPort: srcPort, Payload: payload})
	return nil
}
func (f *fakeSender) PortUnreachable(src netip.Addr, srcPort addr.Port, dst netip.Addr, dstPort addr.Port, offending []byte) {
	f.unreachCount++
}

func TestDeliverEnqueuesAndWakesReadable(t *testing.T) {
	tbl := socket.NewTable()
	sender := &fakeSender{}
	e := New(tbl, sender)

	s := tbl.Create(socket.DomainInet, socket.TypeDatagram, 17)
	if err := e.Bind(s, netip.MustParseAddr("10.0.0.1"), addr.Port(5000)); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	woke := false
	if _, err := e.RecvFrom(s.FD, func() { woke = true }); err == nil {
		t.Fatalf("expected WouldBlock on an empty queue")
	}

	e.Deliver("eth0", netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"), addr.Port(6000), addr.Port(5000), []byte("hi"))

	if !woke {
		t.Fatalf("expected the registered waker to fire on delivery")
	}
	dg, err := e.RecvFrom(s.FD, func() {})
	if err != nil {
		t.Fatalf("RecvFrom after delivery: %v", err)
	}
	if string(dg.Payload) != "hi" {
		t.Fatalf("expected payload 'hi', got %q", dg.Payload)
	}
}

func TestDeliverToUnboundPortReportsUnreachable(t *testing.T) {
	tbl := socket.NewTable()
	sender := &fakeSender{}
	e := New(tbl, sender)

	e.Deliver("eth0", netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"), addr.Port(6000), addr.Port(9999), []byte("x"))

	if sender.unreachCount != 1 {
		t.Fatalf("expected one port-unreachable callback, got %d", sender.unreachCount)
	}
}

func TestSendToUsesSocketLocalAddress(t *testing.T) {
	tbl := socket.NewTable()
	sender := &fakeSender{}
	e := New(tbl, sender)
	s := tbl.Create(socket.DomainInet, socket.TypeDatagram, 17)
	e.Bind(s, netip.MustParseAddr("10.0.0.1"), addr.Port(5000))

	if err := e.SendTo(s, "eth0", netip.MustParseAddr("10.0.0.9"), addr.Port(53), []byte("q")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].FromPort != addr.Port(5000) {
		t.Fatalf("expected datagram sent from bound local port, got %+v", sender.sent)
	}
}
