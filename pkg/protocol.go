package protocol

import (
	"context"
	"net"
	"net/netip"
	"sync"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tcp-socket-core/lnxconfig"
)

const (
	MAX_MESSAGE_SIZE = 1400
	DEFAULT_TTL      = 16
)

// HandlerFunc consumes a packet addressed to this host. The packet payload is
// only valid for the duration of the call.
type HandlerFunc = func(*IPPacket) error

type IPPacket struct {
	Header  ipv4header.IPv4Header
	Payload []byte
}

type Interface struct {
	Name   string       // the name of the interface
	IP     netip.Addr   // the IP address of the interface on this host
	Prefix netip.Prefix // the network submask/prefix
	Udp    netip.AddrPort
	Down   atomic.Bool
	Conn   *net.UDPConn
}

type neighbor struct {
	Udp       netip.AddrPort
	Interface *Interface
}

// IPStack is a host's IP layer on top of UDP links: one UDP socket per
// virtual interface, a neighbor table mapping virtual IPs to UDP addresses,
// and a table of handlers keyed by IP protocol number.
type IPStack struct {
	Interfaces    map[string]*Interface
	Neighbors     map[netip.Addr]*neighbor
	Handler_table map[IPProtocol]HandlerFunc
	Mutex         sync.RWMutex

	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewIPStack opens a UDP socket for every configured interface.
func NewIPStack(config *lnxconfig.IPConfig, logger *zap.Logger) (*IPStack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	stack := &IPStack{
		Interfaces:    make(map[string]*Interface),
		Neighbors:     make(map[netip.Addr]*neighbor),
		Handler_table: make(map[IPProtocol]HandlerFunc),
		logger:        logger,
	}

	for _, lnxInterface := range config.Interfaces {
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(lnxInterface.UDPAddr))
		if err != nil {
			stack.Close()
			return nil, errors.Wrapf(err, "opening interface %s", lnxInterface.Name)
		}
		stack.Interfaces[lnxInterface.Name] = &Interface{
			Name:   lnxInterface.Name,
			IP:     lnxInterface.AssignedIP,
			Prefix: lnxInterface.AssignedPrefix,
			Udp:    conn.LocalAddr().(*net.UDPAddr).AddrPort(),
			Conn:   conn,
		}
	}

	for _, n := range config.Neighbors {
		if err := stack.AddNeighbor(n.DestAddr, n.InterfaceName, n.UDPAddr); err != nil {
			stack.Close()
			return nil, err
		}
	}
	return stack, nil
}

// AddNeighbor makes dest reachable through the named interface at udp.
func (stack *IPStack) AddNeighbor(dest netip.Addr, ifaceName string, udp netip.AddrPort) error {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()
	iface, exists := stack.Interfaces[ifaceName]
	if !exists {
		return errors.Errorf("unknown interface %q", ifaceName)
	}
	stack.Neighbors[dest] = &neighbor{Udp: udp, Interface: iface}
	return nil
}

func (stack *IPStack) RegisterRecvHandler(protocolNum IPProtocol, callbackFunc HandlerFunc) {
	stack.Mutex.Lock()
	defer stack.Mutex.Unlock()
	stack.Handler_table[protocolNum] = callbackFunc
}

// IsLocal reports whether addr belongs to one of this host's interfaces.
func (stack *IPStack) IsLocal(addr netip.Addr) bool {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()
	for _, iface := range stack.Interfaces {
		if iface.IP == addr {
			return true
		}
	}
	return false
}

// SourceFor returns the address SendIP would use as the source for dest.
func (stack *IPStack) SourceFor(dest netip.Addr) (netip.Addr, error) {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()
	n, exists := stack.Neighbors[dest]
	if !exists {
		return netip.Addr{}, errors.Wrap(ErrNoRoute, dest.String())
	}
	return n.Interface.IP, nil
}

// SendIP wraps data in an IPv4 header and sends it to the neighbor owning
// dest. The source address is the IP of the outgoing interface.
func (stack *IPStack) SendIP(dest netip.Addr, protocolNum IPProtocol, data []byte) error {
	stack.Mutex.RLock()
	n, exists := stack.Neighbors[dest]
	stack.Mutex.RUnlock()
	if !exists {
		return errors.Wrap(ErrNoRoute, dest.String())
	}
	if n.Interface.Down.Load() {
		return errors.Wrapf(ErrNoRoute, "interface %s is down", n.Interface.Name)
	}

	bytesToSend, err := MarshalIPPacket(n.Interface.IP, dest, protocolNum, DEFAULT_TTL, data)
	if err != nil {
		return err
	}
	if _, err := n.Interface.Conn.WriteToUDPAddrPort(bytesToSend, n.Udp); err != nil {
		return errors.Wrapf(err, "sending to %s", n.Udp)
	}
	return nil
}

// HandlePacket decodes one datagram received on a link and hands it to the
// handler registered for its protocol.
func (stack *IPStack) HandlePacket(raw []byte) error {
	packet, err := ParseIPPacket(raw)
	if err != nil {
		return err
	}
	// Hosts do not forward.
	if !stack.IsLocal(packet.Header.Dst) {
		return ErrRejected
	}

	stack.Mutex.RLock()
	handler, exists := stack.Handler_table[IPProtocol(packet.Header.Protocol)]
	stack.Mutex.RUnlock()
	if !exists {
		return ErrRejected
	}
	return handler(packet)
}

// Serve reads from every interface until ctx is cancelled or a link fails.
func (stack *IPStack) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, iface := range stack.Interfaces {
		iface := iface
		g.Go(func() error { return stack.serveInterface(ctx, iface) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return stack.Close()
	})
	return g.Wait()
}

func (stack *IPStack) serveInterface(ctx context.Context, iface *Interface) error {
	buf := make([]byte, MAX_MESSAGE_SIZE)
	for {
		n, from, err := iface.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrapf(err, "reading interface %s", iface.Name)
		}
		if iface.Down.Load() {
			continue
		}
		if err := stack.HandlePacket(buf[:n]); err != nil {
			stack.logger.Debug("dropped packet",
				zap.String("interface", iface.Name),
				zap.Stringer("from", from),
				zap.Error(err),
			)
		}
	}
}

// Close closes every interface socket. It is safe to call more than once.
func (stack *IPStack) Close() error {
	stack.closeOnce.Do(func() {
		var result error
		for _, iface := range stack.Interfaces {
			if err := iface.Conn.Close(); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "closing %s", iface.Name))
			}
		}
		stack.closeErr = result
	})
	return stack.closeErr
}

// ParseIPPacket validates an IPv4 datagram and splits it into header and
// payload. The payload aliases b.
func ParseIPPacket(b []byte) (*IPPacket, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if hdr.Version != 4 {
		return nil, errors.Wrapf(ErrMalformed, "ip version %d", hdr.Version)
	}
	if hdr.Len < ipv4header.HeaderLen || hdr.TotalLen < hdr.Len || hdr.TotalLen > len(b) {
		return nil, errors.Wrapf(ErrMalformed, "header length %d, total length %d, received %d",
			hdr.Len, hdr.TotalLen, len(b))
	}
	if !ValidateChecksum(b[:hdr.Len]) {
		return nil, ErrChecksum
	}
	return &IPPacket{Header: *hdr, Payload: b[hdr.Len:hdr.TotalLen]}, nil
}

// MarshalIPPacket builds an IPv4 datagram with a valid header checksum.
func MarshalIPPacket(src, dst netip.Addr, protocolNum IPProtocol, ttl int, data []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, errors.Wrapf(ErrMalformed, "%s -> %s is not an ipv4 pair", src, dst)
	}
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen, // no IP options
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(data),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      ttl,
		Protocol: int(protocolNum),
		Checksum: 0, // Should be 0 until checksum is computed
		Src:      src,
		Dst:      dst,
		Options:  []byte{},
	}
	headerBytes, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshaling ip header")
	}
	hdr.Checksum = int(ComputeChecksum(headerBytes))
	headerBytes, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshaling ip header")
	}

	bytesToSend := make([]byte, 0, len(headerBytes)+len(data))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, data...)
	return bytesToSend, nil
}

// ComputeChecksum returns the internet checksum of headerBytes, which must
// carry a zero checksum field.
func ComputeChecksum(headerBytes []byte) uint16 {
	checksum := header.Checksum(headerBytes, 0)
	return checksum ^ 0xffff
}

// ValidateChecksum reports whether headerBytes, checksum field included,
// sums to all ones.
func ValidateChecksum(headerBytes []byte) bool {
	return header.Checksum(headerBytes, 0) == 0xffff
}
