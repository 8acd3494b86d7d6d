package protocol

import "github.com/pkg/errors"

var (
	// ErrRejected is returned when a packet is not actionable by a socket:
	// wrong protocol, wrong endpoint, or not a segment the socket takes.
	// It is an expected outcome, not a failure.
	ErrRejected = errors.New("rejected")

	// ErrExhausted is returned when a packet would be taken but the socket
	// has no room left for it. Peers are expected to retransmit.
	ErrExhausted = errors.New("exhausted")

	// ErrMalformed is returned when a packet cannot be decoded.
	ErrMalformed = errors.New("malformed packet")

	// ErrChecksum is returned when a packet decodes but its checksum does
	// not match.
	ErrChecksum = errors.New("checksum mismatch")

	ErrNoRoute = errors.New("no route to host")
)
