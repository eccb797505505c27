package addr

import (
	"net/netip"
	"testing"
)

func TestMACBroadcastAndMulticast(t *testing.T) {
	if !Broadcast.IsBroadcast() {
		t.Fatalf("expected the Broadcast constant to report IsBroadcast")
	}
	multicast := MAC{0x01, 0, 0, 0, 0, 0}
	if !multicast.IsMulticast() {
		t.Fatalf("expected a MAC with the low bit of the first octet set to report IsMulticast")
	}
	unicast := MAC{0x02, 0, 0, 0, 0, 0}
	if unicast.IsMulticast() || unicast.IsBroadcast() {
		t.Fatalf("expected a locally-administered unicast MAC to report neither")
	}
}

func TestMACEUI64FlipsUniversalLocalBit(t *testing.T) {
	mac := MAC{0x02, 0x00, 0x00, 0x11, 0x22, 0x33}
	id := mac.EUI64()
	want := [8]byte{0x00, 0x00, 0x00, 0xff, 0xfe, 0x11, 0x22, 0x33}
	if id != want {
		t.Fatalf("expected EUI-64 %v, got %v", want, id)
	}
}

func TestDestinationConstructorsAndValidity(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.1")
	d := TCPDestination(a, Port(80))
	if !d.IsValid() || d.Network != NetworkTCP {
		t.Fatalf("expected a valid TCP destination, got %+v", d)
	}
	var zero Destination
	if zero.IsValid() {
		t.Fatalf("expected the zero-value Destination to be invalid")
	}
	u := UnixDestination("/tmp/sock")
	if !u.IsValid() || u.Path != "/tmp/sock" {
		t.Fatalf("expected a valid unix destination, got %+v", u)
	}
}

func TestSolicitedNodeMulticastDerivesFromLow24Bits(t *testing.T) {
	target := netip.MustParseAddr("fe80::1234:5678:9abc:def0")
	got := SolicitedNodeMulticast(target)
	want := [16]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0xff, 0xbc, 0xde, 0xf0}
	if got.As16() != want {
		t.Fatalf("expected solicited-node multicast %v, got %v", netip.AddrFrom16(want), got)
	}
}

func TestSolicitedNodeMulticastRejectsIPv4(t *testing.T) {
	got := SolicitedNodeMulticast(netip.MustParseAddr("10.0.0.1"))
	if got.IsValid() {
		t.Fatalf("expected an invalid address for a non-IPv6 input, got %v", got)
	}
}
