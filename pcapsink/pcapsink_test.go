package pcapsink

import (
	"bytes"
	"testing"

	"github.com/inetsim/stack/simkernel"
)

func TestWritePacketRoundTripsThroughBlockFraming(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(&buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.AddInterface("eth0", LinkTypeEthernet); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	payload := []byte{1, 2, 3, 4, 5}
	if err := s.WritePacket("eth0", simkernel.Time(1000), payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected bytes written")
	}
	// SHB + IDB + EPB, each block length must equal its trailer.
	data := buf.Bytes()
	for len(data) > 0 {
		if len(data) < 12 {
			t.Fatalf("truncated block")
		}
		totalLen := uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24
		trailerOff := totalLen - 4
		trailer := uint32(data[trailerOff]) | uint32(data[trailerOff+1])<<8 | uint32(data[trailerOff+2])<<16 | uint32(data[trailerOff+3])<<24
		if trailer != totalLen {
			t.Fatalf("block length mismatch: header %d trailer %d", totalLen, trailer)
		}
		data = data[totalLen:]
	}
}

func TestWritePacketUnknownInterfaceErrors(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(&buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.WritePacket("nope", simkernel.Time(0), []byte{1}); err == nil {
		t.Fatalf("expected error for unknown interface")
	}
}

func TestEnablePoints(t *testing.T) {
	var buf bytes.Buffer
	s, _ := New(&buf)
	if s.Enabled(PointIngressL2) {
		t.Fatalf("expected disabled by default")
	}
	s.Enable(PointIngressL2)
	if !s.Enabled(PointIngressL2) {
		t.Fatalf("expected enabled after Enable")
	}
}
