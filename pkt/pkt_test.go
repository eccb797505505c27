package pkt

import (
	"net/netip"
	"testing"

	"github.com/inetsim/stack/addr"
)

func TestEthernetRoundTrip(t *testing.T) {
	e := &Ethernet{
		Dst:     addr.MAC{1, 2, 3, 4, 5, 6},
		Src:     addr.MAC{6, 5, 4, 3, 2, 1},
		Type:    EtherTypeIPv4,
		Payload: []byte("hello"),
	}
	got, err := DecodeEthernet(e.Encode())
	if err != nil {
		t.Fatalf("DecodeEthernet: %v", err)
	}
	if got.Dst != e.Dst || got.Src != e.Src || got.Type != e.Type || string(got.Payload) != "hello" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestIPv4RoundTripPreservesChecksumAndFields(t *testing.T) {
	p := &IPv4{
		TTL:     64,
		Proto:   ProtoUDP,
		Src:     netip.MustParseAddr("10.0.0.1"),
		Dst:     netip.MustParseAddr("10.0.0.2"),
		Payload: []byte("udp-payload"),
	}
	raw := p.Encode()
	got, err := DecodeIPv4(raw)
	if err != nil {
		t.Fatalf("DecodeIPv4: %v", err)
	}
	if got.Src != p.Src || got.Dst != p.Dst || got.Proto != p.Proto || got.TTL != p.TTL {
		t.Fatalf("header mismatch: %+v", got)
	}
	if string(got.Payload) != "udp-payload" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	if cs := checksum(raw[:20], 0); cs != 0 {
		t.Fatalf("expected a verifying checksum to fold to zero, got %#x", cs)
	}
}

func TestIPv4RejectsShortHeader(t *testing.T) {
	if _, err := DecodeIPv4([]byte{0x45, 0, 0, 0}); err == nil {
		t.Fatalf("expected an error decoding a truncated IPv4 header")
	}
}

func TestTCPRoundTripWithOptions(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := &TCP{
		SrcPort: addr.Port(1234), DstPort: addr.Port(80),
		SeqNum: 100, AckNum: 200, Flags: TCPFlagSYN | TCPFlagACK,
		Window: 65535, MSS: 1460, SACKPermitted: true,
		Payload: []byte("payload"),
	}
	raw := seg.EncodeV4(src, dst)
	got, err := DecodeTCP(raw)
	if err != nil {
		t.Fatalf("DecodeTCP: %v", err)
	}
	if got.SeqNum != seg.SeqNum || got.AckNum != seg.AckNum || got.Flags != seg.Flags {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.MSS != 1460 || !got.SACKPermitted {
		t.Fatalf("expected options preserved, got MSS=%d sackPermitted=%v", got.MSS, got.SACKPermitted)
	}
	if string(got.Payload) != "payload" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	if !got.Flags.Has(TCPFlagSYN) || !got.Flags.Has(TCPFlagACK) {
		t.Fatalf("expected SYN+ACK flags set")
	}
}

func TestUDPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	u := &UDP{SrcPort: addr.Port(5000), DstPort: addr.Port(53), Payload: []byte("query")}
	got, err := DecodeUDP(u.EncodeV4(src, dst))
	if err != nil {
		t.Fatalf("DecodeUDP: %v", err)
	}
	if got.SrcPort != u.SrcPort || got.DstPort != u.DstPort || string(got.Payload) != "query" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUDPRejectsShortHeader(t *testing.T) {
	if _, err := DecodeUDP([]byte{0, 0, 0}); err == nil {
		t.Fatalf("expected an error decoding a truncated UDP header")
	}
}
