package wire

import (
	"bytes"
	"testing"
)

func TestWriterMarkerDeferredLength(t *testing.T) {
	w := NewWriter()
	w.WriteByte(0xAA)
	m := w.CreateMarker(2)
	w.Write([]byte("payload"))
	w.UpdateMarker(m, uint32(len("payload")))

	got := w.Bytes()
	if got[0] != 0xAA {
		t.Fatalf("expected leading byte preserved, got %#x", got[0])
	}
	if got[1] != 0 || got[2] != 7 {
		t.Fatalf("expected marker filled with big-endian 7, got %v %v", got[1], got[2])
	}
	if !bytes.Equal(got[3:], []byte("payload")) {
		t.Fatalf("expected payload appended after the marker, got %q", got[3:])
	}
	w.Release()
}

func TestReaderReadsBackWhatWriterWrote(t *testing.T) {
	w := NewWriter()
	w.WriteUint16(1234)
	w.WriteUint32(5678)
	w.WriteByte(9)
	w.Write([]byte("tail"))
	raw := append([]byte(nil), w.Bytes()...)
	w.Release()

	r := NewReader(raw)
	u16, err := r.ReadUint16()
	if err != nil || u16 != 1234 {
		t.Fatalf("ReadUint16: %v %v", u16, err)
	}
	u32, err := r.ReadUint32()
	if err != nil || u32 != 5678 {
		t.Fatalf("ReadUint32: %v %v", u32, err)
	}
	b, err := r.ReadByte()
	if err != nil || b != 9 {
		t.Fatalf("ReadByte: %v %v", b, err)
	}
	if string(r.Rest()) != "tail" {
		t.Fatalf("expected Rest() to return 'tail', got %q", r.Rest())
	}
}

func TestReaderShortReadsError(t *testing.T) {
	r := NewReader([]byte{1})
	if _, err := r.ReadUint16(); err == nil {
		t.Fatalf("expected a short-read error")
	}
}

func TestExtractConsumesSubReader(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4, 5})
	sub, err := r.Extract(2)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !bytes.Equal(sub.Rest(), []byte{1, 2}) {
		t.Fatalf("expected sub-reader to hold the first 2 bytes, got %v", sub.Rest())
	}
	if !bytes.Equal(r.Rest(), []byte{3, 4, 5}) {
		t.Fatalf("expected remaining reader to hold the rest, got %v", r.Rest())
	}
}
