package tcp_protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"

	protocol "tcp-socket-core/pkg"
)

// pseudoHeaderChecksum sums the pseudo-header for a TCP segment of length
// bytes sent from src to dst.
func pseudoHeaderChecksum(src, dst netip.Addr, length int) uint16 {
	if src.Is4() && dst.Is4() {
		var pseudo [12]byte
		srcBytes, dstBytes := src.As4(), dst.As4()
		copy(pseudo[0:4], srcBytes[:])
		copy(pseudo[4:8], dstBytes[:])
		pseudo[9] = uint8(protocol.ProtocolTCP)
		binary.BigEndian.PutUint16(pseudo[10:12], uint16(length))
		return header.Checksum(pseudo[:], 0)
	}

	var pseudo [40]byte
	srcBytes, dstBytes := src.As16(), dst.As16()
	copy(pseudo[0:16], srcBytes[:])
	copy(pseudo[16:32], dstBytes[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(length))
	pseudo[39] = uint8(protocol.ProtocolTCP)
	return header.Checksum(pseudo[:], 0)
}

// ComputeTCPChecksum returns the checksum to store in segment, whose own
// checksum field must be zero.
func ComputeTCPChecksum(src, dst netip.Addr, segment []byte) uint16 {
	checksum := header.Checksum(segment, pseudoHeaderChecksum(src, dst, len(segment)))
	return checksum ^ 0xffff
}

// ValidateTCPChecksum reports whether segment, checksum field included, sums
// to all ones together with its pseudo-header.
func ValidateTCPChecksum(src, dst netip.Addr, segment []byte) bool {
	return header.Checksum(segment, pseudoHeaderChecksum(src, dst, len(segment))) == 0xffff
}
