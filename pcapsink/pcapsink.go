// Package pcapsink writes PCAPNG Section Header / Interface Description /
// Enhanced Packet blocks to any io.Writer, one per configured capture
// point (spec §6 "PCAP capture").
package pcapsink

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"

	"github.com/inetsim/stack/common/errors"
	"github.com/inetsim/stack/simkernel"
)

// LinkType is the PCAPNG link-layer type of an interface description.
type LinkType uint16

const (
	LinkTypeEthernet LinkType = 1
	LinkTypeLoop     LinkType = 108
)

// Point is a configurable capture location (spec §6).
type Point uint8

const (
	PointIngressL2 Point = iota
	PointEgressL2
	PointIngressL3
	PointEgressL3
	PointTransitL3
)

const (
	blockSHB = 0x0A0D0D0A
	blockIDB = 0x00000001
	blockEPB = 0x00000006
	byteOrderMagic = 0x1A2B3C4D
)

// Sink writes PCAPNG blocks for one capture session. A distinct uuid
// correlates the session across log lines, mirroring the teacher's
// common/session flow-tagging pattern.
type Sink struct {
	w          io.Writer
	sessionID  uuid.UUID
	ifaceIndex map[string]uint32
	points     map[Point]bool
}

// New creates a sink writing a Section Header Block immediately.
func New(w io.Writer) (*Sink, error) {
	s := &Sink{w: w, sessionID: uuid.New(), ifaceIndex: make(map[string]uint32), points: make(map[Point]bool)}
	if err := s.writeSHB(); err != nil {
		return nil, err
	}
	return s, nil
}

// Enable turns on capture at the given point.
func (s *Sink) Enable(p Point) { s.points[p] = true }

func (s *Sink) Enabled(p Point) bool { return s.points[p] }

func (s *Sink) writeSHB() error {
	body := make([]byte, 0, 16)
	body = appendU32(body, byteOrderMagic)
	body = appendU16(body, 1) // version major
	body = appendU16(body, 0) // version minor
	body = appendU64(body, ^uint64(0))
	return s.writeBlock(blockSHB, body)
}

// AddInterface registers an interface description block and returns its
// PCAPNG interface index for use in WritePacket.
func (s *Sink) AddInterface(name string, linkType LinkType) (uint32, error) {
	idx := uint32(len(s.ifaceIndex))
	s.ifaceIndex[name] = idx
	body := make([]byte, 0, 8)
	body = appendU16(body, uint16(linkType))
	body = appendU16(body, 0) // reserved
	body = appendU32(body, 0) // snaplen: unlimited
	if err := s.writeBlock(blockIDB, body); err != nil {
		return 0, err
	}
	return idx, nil
}

// WritePacket emits an Enhanced Packet Block carrying data, tagged with
// the simulated microsecond timestamp (spec §6).
func (s *Sink) WritePacket(ifaceName string, at simkernel.Time, data []byte) error {
	idx, ok := s.ifaceIndex[ifaceName]
	if !ok {
		return errors.New("pcapsink: unknown interface: ", ifaceName).AtWarning()
	}
	ts := uint64(at)
	body := make([]byte, 0, 20+len(data)+pad4(len(data)))
	body = appendU32(body, idx)
	body = appendU32(body, uint32(ts>>32))
	body = appendU32(body, uint32(ts))
	body = appendU32(body, uint32(len(data)))
	body = appendU32(body, uint32(len(data)))
	body = append(body, data...)
	for i := 0; i < pad4(len(data)); i++ {
		body = append(body, 0)
	}
	return s.writeBlock(blockEPB, body)
}

func pad4(n int) int {
	if n%4 == 0 {
		return 0
	}
	return 4 - n%4
}

func (s *Sink) writeBlock(blockType uint32, body []byte) error {
	totalLen := uint32(12 + len(body))
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], blockType)
	binary.LittleEndian.PutUint32(hdr[4:8], totalLen)
	if _, err := s.w.Write(hdr[:]); err != nil {
		return errors.New("pcapsink: write header failed").Base(err)
	}
	if _, err := s.w.Write(body); err != nil {
		return errors.New("pcapsink: write body failed").Base(err)
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], totalLen)
	if _, err := s.w.Write(trailer[:]); err != nil {
		return errors.New("pcapsink: write trailer failed").Base(err)
	}
	return nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// SessionID returns the capture session's correlation id for log lines.
func (s *Sink) SessionID() uuid.UUID { return s.sessionID }
