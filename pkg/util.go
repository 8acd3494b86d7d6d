package protocol

import (
	"net/netip"
	"strconv"

	"github.com/google/netstack/tcpip/header"
)

// IPProtocol is the protocol number carried in an IP header.
type IPProtocol uint8

const (
	ProtocolTest IPProtocol = 0
	ProtocolICMP IPProtocol = IPProtocol(header.ICMPv4ProtocolNumber)
	ProtocolTCP  IPProtocol = IPProtocol(header.TCPProtocolNumber)
	ProtocolUDP  IPProtocol = IPProtocol(header.UDPProtocolNumber)
)

func (p IPProtocol) String() string {
	switch p {
	case ProtocolTest:
		return "test"
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	}
	return strconv.Itoa(int(p))
}

// Endpoint is an (address, port) pair. An endpoint whose address is the zero
// value or the all-zeros address stands for any local address.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr, Port: port}
}

// IsSpecified reports whether the endpoint names a concrete address.
func (e Endpoint) IsSpecified() bool {
	return e.Addr.IsValid() && !e.Addr.IsUnspecified()
}

// Matches reports whether a packet sent to dst:port is addressed to e.
func (e Endpoint) Matches(dst netip.Addr, port uint16) bool {
	if port != e.Port {
		return false
	}
	return !e.IsSpecified() || e.Addr == dst
}

func (e Endpoint) String() string {
	return FormatAddr(e.Addr) + ":" + strconv.Itoa(int(e.Port))
}

// FormatAddr renders an address for listings, using "*" for any address.
func FormatAddr(addr netip.Addr) string {
	if !addr.IsValid() || addr.IsUnspecified() {
		return "*"
	}
	return addr.String()
}
