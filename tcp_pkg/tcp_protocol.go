package tcp_protocol

import (
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"tcp-socket-core/lnxconfig"
	protocol "tcp-socket-core/pkg"
)

const (
	LISTEN       = "LISTEN"
	SYN_RECEIVED = "SYN_RECEIVED"

	ephemeralPortMin = 20000
)

var (
	// ErrPortInUse is returned by VListen for a port that already has a
	// listener.
	ErrPortInUse = errors.New("port already in use")

	// ErrNoListener is returned for a port without a listener.
	ErrNoListener = errors.New("no listener on port")

	// ErrNoPending is returned by VAccept when the listener has nothing
	// queued.
	ErrNoPending = errors.New("no pending connection")

	ErrNoSocket = errors.New("no such socket")
)

// IPLayer is what the TCP stack needs from the network layer below it.
type IPLayer interface {
	SourceFor(dest netip.Addr) (netip.Addr, error)
	SendIP(dest netip.Addr, protocolNum protocol.IPProtocol, data []byte) error
}

// Stats counts the outcome of every segment offered to the stack.
type Stats struct {
	Queued    atomic.Uint64
	Rejected  atomic.Uint64
	Exhausted atomic.Uint64
	Malformed atomic.Uint64
	Accepted  atomic.Uint64
}

// TCPConn is an accepted connection request together with the socket buffers
// it will stream through. The buffers are staging areas for the connection
// state machine: nothing here drains SendBuf or fills RecvBuf, so the s and r
// commands only move bytes in and out of them.
type TCPConn struct {
	ID       int
	Incoming Incoming
	SendBuf  *protocol.SocketBuffer
	RecvBuf  *protocol.SocketBuffer

	inUse bool
}

type listenEntry struct {
	port     uint16
	listener *Listener
}

func listenEntryLess(a, b listenEntry) bool { return a.port < b.port }

// TCPStack demultiplexes TCP segments to listeners by destination port and
// keeps a fixed table of accepted connections. All of its methods are safe
// for concurrent use.
type TCPStack struct {
	ListenTable *btree.BTreeG[listenEntry]
	Conns       []TCPConn
	Stats       Stats

	ipLayer        IPLayer
	storage        []byte
	bufferSize     int
	verifyChecksum bool
	logger         *zap.Logger
	mu             sync.Mutex
}

// NewTCPStack creates a stack whose connection table and socket buffers are
// sized by config, and opens the listeners config names.
func NewTCPStack(ipLayer IPLayer, config *lnxconfig.IPConfig, logger *zap.Logger) (*TCPStack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	stack := &TCPStack{
		ListenTable:    btree.NewG[listenEntry](2, listenEntryLess),
		Conns:          make([]TCPConn, config.MaxConns),
		ipLayer:        ipLayer,
		storage:        make([]byte, 2*config.MaxConns*config.BufferSize),
		bufferSize:     config.BufferSize,
		verifyChecksum: config.VerifyChecksum,
		logger:         logger,
	}
	for i := range stack.Conns {
		stack.Conns[i].ID = i
	}

	for _, l := range config.Listeners {
		if _, err := stack.VListen(protocol.NewEndpoint(l.Addr, l.Port), l.Backlog); err != nil {
			return nil, err
		}
	}
	return stack, nil
}

// VListen opens a listener on endpoint with room for backlog queued
// requests.
func (stack *TCPStack) VListen(endpoint protocol.Endpoint, backlog int) (*Listener, error) {
	if backlog < 0 {
		return nil, errors.Errorf("negative backlog %d", backlog)
	}
	stack.mu.Lock()
	defer stack.mu.Unlock()

	if stack.ListenTable.Has(listenEntry{port: endpoint.Port}) {
		return nil, errors.Wrapf(ErrPortInUse, "port %d", endpoint.Port)
	}
	listener := NewListener(endpoint, make([]Slot, backlog),
		WithLogger(stack.logger),
		WithChecksumVerification(stack.verifyChecksum),
	)
	stack.ListenTable.ReplaceOrInsert(listenEntry{port: endpoint.Port, listener: listener})
	stack.logger.Info("listening", zap.Stringer("endpoint", endpoint), zap.Int("backlog", backlog))
	return listener, nil
}

// VClose closes the listener on port. Requests still queued are dropped.
func (stack *TCPStack) VClose(port uint16) error {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	entry, exists := stack.ListenTable.Delete(listenEntry{port: port})
	if !exists {
		return errors.Wrapf(ErrNoListener, "port %d", port)
	}
	stack.logger.Info("closed listener",
		zap.Stringer("endpoint", entry.listener.Endpoint()),
		zap.Int("dropped", entry.listener.Len()),
	)
	return nil
}

// Collect hands a TCP segment to the listener bound to its destination port.
func (stack *TCPStack) Collect(src, dst netip.Addr, proto protocol.IPProtocol, payload []byte) error {
	err := stack.collect(src, dst, proto, payload)
	switch {
	case err == nil:
		stack.Stats.Queued.Inc()
	case errors.Is(err, protocol.ErrRejected):
		stack.Stats.Rejected.Inc()
	case errors.Is(err, protocol.ErrExhausted):
		stack.Stats.Exhausted.Inc()
	default:
		stack.Stats.Malformed.Inc()
	}
	return err
}

func (stack *TCPStack) collect(src, dst netip.Addr, proto protocol.IPProtocol, payload []byte) error {
	if proto != protocol.ProtocolTCP {
		return protocol.ErrRejected
	}
	if len(payload) < header.TCPMinimumSize {
		return errors.Wrapf(protocol.ErrMalformed, "tcp segment of %d bytes", len(payload))
	}
	port := header.TCP(payload).DestinationPort()

	stack.mu.Lock()
	defer stack.mu.Unlock()
	entry, exists := stack.ListenTable.Get(listenEntry{port: port})
	if !exists {
		return protocol.ErrRejected
	}
	return entry.listener.Collect(src, dst, proto, payload)
}

// TCPHandler is the IP handler for protocol.ProtocolTCP.
func (stack *TCPStack) TCPHandler(packet *protocol.IPPacket) error {
	return stack.Collect(packet.Header.Src, packet.Header.Dst,
		protocol.IPProtocol(packet.Header.Protocol), packet.Payload)
}

// VAccept takes the oldest request queued on port and gives it a connection
// slot with fresh socket buffers. When the connection table is full it
// returns protocol.ErrExhausted and the request stays queued.
func (stack *TCPStack) VAccept(port uint16) (*TCPConn, error) {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	entry, exists := stack.ListenTable.Get(listenEntry{port: port})
	if !exists {
		return nil, errors.Wrapf(ErrNoListener, "port %d", port)
	}
	if entry.listener.Len() == 0 {
		return nil, ErrNoPending
	}

	sid := -1
	for i := range stack.Conns {
		if !stack.Conns[i].inUse {
			sid = i
			break
		}
	}
	if sid < 0 {
		return nil, errors.Wrapf(protocol.ErrExhausted, "all %d connections in use", len(stack.Conns))
	}

	incoming, _ := entry.listener.Accept()
	conn := &stack.Conns[sid]
	conn.inUse = true
	conn.Incoming = incoming
	conn.SendBuf = protocol.NewSocketBuffer(stack.bufferStorage(sid, 0))
	conn.RecvBuf = protocol.NewSocketBuffer(stack.bufferStorage(sid, 1))
	stack.Stats.Accepted.Inc()

	stack.logger.Info("accepted connection",
		zap.Int("sid", sid),
		zap.Stringer("local", incoming.LocalEnd()),
		zap.Stringer("remote", incoming.RemoteEnd()),
		zap.Uint32("seq", incoming.seqNumber),
	)
	return conn, nil
}

// bufferStorage returns the region of the storage block backing one
// direction of connection sid.
func (stack *TCPStack) bufferStorage(sid, direction int) []byte {
	start := (2*sid + direction) * stack.bufferSize
	end := start + stack.bufferSize
	return stack.storage[start:end:end]
}

// WithConn runs fn on connection sid while holding the stack lock.
func (stack *TCPStack) WithConn(sid int, fn func(conn *TCPConn) error) error {
	stack.mu.Lock()
	defer stack.mu.Unlock()
	if sid < 0 || sid >= len(stack.Conns) || !stack.Conns[sid].inUse {
		return errors.Wrapf(ErrNoSocket, "sid %d", sid)
	}
	return fn(&stack.Conns[sid])
}

// CloseConn releases connection sid. Data left in its buffers is discarded.
func (stack *TCPStack) CloseConn(sid int) error {
	return stack.WithConn(sid, func(conn *TCPConn) error {
		conn.inUse = false
		conn.Incoming = Incoming{}
		conn.SendBuf = nil
		conn.RecvBuf = nil
		return nil
	})
}

// SendSyn opens a handshake towards dst:port by sending a bare SYN from an
// ephemeral port.
func (stack *TCPStack) SendSyn(dst netip.Addr, port uint16) (SegmentRepr, error) {
	src, err := stack.ipLayer.SourceFor(dst)
	if err != nil {
		return SegmentRepr{}, err
	}
	repr := SegmentRepr{
		SrcPort:   uint16(ephemeralPortMin + rand.IntN(65536-ephemeralPortMin)),
		DstPort:   port,
		Control:   ControlSyn,
		SeqNumber: rand.Uint32(),
		WindowLen: uint16(min(stack.bufferSize, 65535)),
	}
	if err := stack.ipLayer.SendIP(dst, protocol.ProtocolTCP, repr.Encode(src, dst)); err != nil {
		return SegmentRepr{}, err
	}
	return repr, nil
}
