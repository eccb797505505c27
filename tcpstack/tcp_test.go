package tcpstack

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
	"github.com/inetsim/stack/pkt"
	"github.com/inetsim/stack/simtest"
)

// pairSender wires two engines' Send calls into each other's Deliver
// through the kernel's event queue, modeling a lossless zero-latency
// point-to-point link without going through iface/route/arp (those are
// exercised in their own package tests).
type pairSender struct {
	k      *simtest.Kernel
	peer   *Engine
	local  netip.Addr
	remote netip.Addr
	nextFD uint32
}

func (p *pairSender) Send(q Quad, seg *pkt.TCP) error {
	p.nextFD++
	fd := p.nextFD
	p.k.ScheduleAt(p.k.Now(), func() {
		p.peer.Deliver(q.RemoteAddr, q.LocalAddr, q.RemotePort, q.LocalPort, seg, func() uint32 { return fd })
	})
	return nil
}

func (p *pairSender) Notify(fd uint32, kind string) {}

func newPair(t *testing.T) (*simtest.Kernel, *Engine, *Engine, netip.Addr, netip.Addr) {
	t.Helper()
	k := simtest.NewKernel(1)
	clientAddr := netip.MustParseAddr("10.0.0.1")
	serverAddr := netip.MustParseAddr("10.0.0.2")

	clientOut := &pairSender{k: k, local: clientAddr, remote: serverAddr}
	serverOut := &pairSender{k: k, local: serverAddr, remote: clientAddr}

	client := NewEngine(DefaultConfig(), k, k, k, clientOut)
	server := NewEngine(DefaultConfig(), k, k, k, serverOut)
	clientOut.peer = server
	serverOut.peer = client
	return k, client, server, clientAddr, serverAddr
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	k, client, server, clientAddr, serverAddr := newPair(t)

	if _, err := server.Listen(1, serverAddr, 8000); err != nil {
		t.Fatalf("listen: %v", err)
	}
	conn, err := client.Connect(1, clientAddr, 0, serverAddr, 8000)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	k.Run(100)

	if conn.State != StateEstablished {
		t.Fatalf("client state = %v, want Established", conn.State)
	}
	l := server.listeners[8000]
	childConn, err := l.Accept(func() {})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if childConn.State != StateEstablished {
		t.Fatalf("server child state = %v, want Established", childConn.State)
	}
}

func TestDataTransferPreservesOrder(t *testing.T) {
	k, client, server, clientAddr, serverAddr := newPair(t)
	server.Listen(1, serverAddr, 9000)
	conn, _ := client.Connect(1, clientAddr, 0, serverAddr, 9000)
	k.Run(100)

	msg := []byte("hello, simulated world")
	n, err := conn.Write(msg)
	if err != nil || n != len(msg) {
		t.Fatalf("write = %d, %v", n, err)
	}
	k.Run(100)

	l := server.listeners[9000]
	serverConn, err := l.Accept(func() {})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	buf := make([]byte, 64)
	total := 0
	for tries := 0; tries < 10 && total < len(msg); tries++ {
		n, _ := serverConn.Read(buf[total:], func() {})
		total += n
		k.Run(50)
	}
	if string(buf[:total]) != string(msg) {
		t.Fatalf("got %q, want %q", buf[:total], msg)
	}
}

func TestUnmatchedSegmentCreatesNoConnection(t *testing.T) {
	_, client, server, clientAddr, serverAddr := newPair(t)
	_ = client
	seg := &pkt.TCP{SrcPort: addr.Port(5555), DstPort: addr.Port(1234), Flags: pkt.TCPFlagACK, SeqNum: 100, AckNum: 200}
	server.Deliver(serverAddr, clientAddr, 1234, 5555, seg, func() uint32 { return 1 })
	if _, ok := server.conns[1]; ok {
		t.Fatalf("unexpected connection created for unmatched segment")
	}
}
