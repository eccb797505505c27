package pkt

import "gvisor.dev/gvisor/pkg/tcpip/header"

// checksum computes the Internet checksum (RFC 1071) of buf, folded with an
// initial value (e.g. a pseudo-header partial sum). Reused from gvisor's
// tcpip/header package rather than hand-rolled, per SPEC_FULL §11 — the
// teacher pulls in gvisor.dev/gvisor for exactly this kind of low-level
// wire-format arithmetic (it is xray-core's own TUN stack dependency).
func checksum(buf []byte, initial uint16) uint16 {
	return header.Checksum(buf, initial)
}

func checksumCombine(a, b uint16) uint16 {
	return header.ChecksumCombine(a, b)
}

// pseudoHeaderChecksumV4 folds the IPv4 pseudo-header used by TCP/UDP/ICMP
// checksum computation (RFC 793 §3.1, RFC 768).
func pseudoHeaderChecksumV4(proto uint8, src, dst [4]byte, length uint16) uint16 {
	var b [12]byte
	copy(b[0:4], src[:])
	copy(b[4:8], dst[:])
	b[8] = 0
	b[9] = proto
	b[10] = byte(length >> 8)
	b[11] = byte(length)
	return checksum(b[:], 0)
}

// pseudoHeaderChecksumV6 folds the IPv6 pseudo-header (RFC 2460 §8.1).
func pseudoHeaderChecksumV6(nextHeader uint8, src, dst [16]byte, length uint32) uint16 {
	var b [40]byte
	copy(b[0:16], src[:])
	copy(b[16:32], dst[:])
	b[32] = byte(length >> 24)
	b[33] = byte(length >> 16)
	b[34] = byte(length >> 8)
	b[35] = byte(length)
	b[39] = nextHeader
	return checksum(b[:], 0)
}
