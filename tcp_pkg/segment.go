package tcp_protocol

import (
	"fmt"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	protocol "tcp-socket-core/pkg"
)

// Control is the connection control flag a segment carries. At most one of
// SYN, FIN and RST may be set on a valid segment.
type Control uint8

const (
	ControlNone Control = iota
	ControlSyn
	ControlFin
	ControlRst
)

func (c Control) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlSyn:
		return "SYN"
	case ControlFin:
		return "FIN"
	case ControlRst:
		return "RST"
	}
	return fmt.Sprintf("Control(%d)", uint8(c))
}

// SegmentRepr is the decoded form of a TCP segment header.
type SegmentRepr struct {
	SrcPort   uint16
	DstPort   uint16
	Control   Control
	SeqNumber uint32
	AckNumber uint32 // only meaningful when HasAck is set
	HasAck    bool
	WindowLen uint16
	Payload   []byte
}

// ParseSegment decodes the TCP segment in payload, which was carried from src
// to dst. Payload of the result aliases the input.
func ParseSegment(src, dst netip.Addr, payload []byte, verifyChecksum bool) (SegmentRepr, error) {
	if len(payload) < header.TCPMinimumSize {
		return SegmentRepr{}, errors.Wrapf(protocol.ErrMalformed, "tcp segment of %d bytes", len(payload))
	}
	tcpHdr := header.TCP(payload)

	offset := int(tcpHdr.DataOffset())
	if offset < header.TCPMinimumSize || offset > len(tcpHdr) {
		return SegmentRepr{}, errors.Wrapf(protocol.ErrMalformed, "tcp data offset %d in %d bytes", offset, len(tcpHdr))
	}
	if tcpHdr.SourcePort() == 0 || tcpHdr.DestinationPort() == 0 {
		return SegmentRepr{}, errors.Wrapf(protocol.ErrMalformed, "tcp port %d -> %d",
			tcpHdr.SourcePort(), tcpHdr.DestinationPort())
	}
	if verifyChecksum && !ValidateTCPChecksum(src, dst, payload) {
		return SegmentRepr{}, protocol.ErrChecksum
	}

	flags := tcpHdr.Flags()
	control, controls := ControlNone, 0
	if flags&header.TCPFlagSyn != 0 {
		control = ControlSyn
		controls++
	}
	if flags&header.TCPFlagFin != 0 {
		control = ControlFin
		controls++
	}
	if flags&header.TCPFlagRst != 0 {
		control = ControlRst
		controls++
	}
	if controls > 1 {
		return SegmentRepr{}, errors.Wrapf(protocol.ErrMalformed, "tcp flags %#02x", flags)
	}

	repr := SegmentRepr{
		SrcPort:   tcpHdr.SourcePort(),
		DstPort:   tcpHdr.DestinationPort(),
		Control:   control,
		SeqNumber: tcpHdr.SequenceNumber(),
		HasAck:    flags&header.TCPFlagAck != 0,
		WindowLen: tcpHdr.WindowSize(),
		Payload:   payload[offset:],
	}
	if repr.HasAck {
		repr.AckNumber = tcpHdr.AckNumber()
	}
	return repr, nil
}

// Encode builds the wire form of the segment, checksum included, for a
// segment sent from src to dst.
func (repr *SegmentRepr) Encode(src, dst netip.Addr) []byte {
	flags := uint8(0)
	switch repr.Control {
	case ControlSyn:
		flags |= header.TCPFlagSyn
	case ControlFin:
		flags |= header.TCPFlagFin
	case ControlRst:
		flags |= header.TCPFlagRst
	}
	ackNum := uint32(0)
	if repr.HasAck {
		flags |= header.TCPFlagAck
		ackNum = repr.AckNumber
	}

	tcpHeader := header.TCPFields{
		SrcPort:       repr.SrcPort,
		DstPort:       repr.DstPort,
		SeqNum:        repr.SeqNumber,
		AckNum:        ackNum,
		DataOffset:    header.TCPMinimumSize,
		Flags:         flags,
		WindowSize:    repr.WindowLen,
		Checksum:      0, // filled in below
		UrgentPointer: 0,
	}
	segment := make([]byte, header.TCPMinimumSize+len(repr.Payload))
	tcpHdr := header.TCP(segment)
	tcpHdr.Encode(&tcpHeader)
	copy(segment[header.TCPMinimumSize:], repr.Payload)
	tcpHdr.SetChecksum(ComputeTCPChecksum(src, dst, segment))
	return segment
}

func (repr *SegmentRepr) String() string {
	s := fmt.Sprintf("%d -> %d %s seq=%d", repr.SrcPort, repr.DstPort, repr.Control, repr.SeqNumber)
	if repr.HasAck {
		s += fmt.Sprintf(" ack=%d", repr.AckNumber)
	}
	return s + fmt.Sprintf(" win=%d len=%d", repr.WindowLen, len(repr.Payload))
}
