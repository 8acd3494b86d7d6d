package protocol

import "net/netip"

// Socket is anything that ingests datagrams demultiplexed to it by the
// transport layer.
//
// Collect returns ErrRejected for datagrams the socket does not take and
// ErrExhausted for datagrams it would take but has no room for. Decoder
// failures are returned as they are.
type Socket interface {
	Collect(src, dst netip.Addr, protocol IPProtocol, payload []byte) error
}
