package tcp_protocol

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	protocol "tcp-socket-core/pkg"
)

// Incoming is a connection request taken off the wire: the first SYN of a
// handshake that has not been answered yet.
type Incoming struct {
	localEnd  protocol.Endpoint
	remoteEnd protocol.Endpoint
	seqNumber uint32
}

// LocalEnd is the address and port the SYN was sent to.
func (incoming Incoming) LocalEnd() protocol.Endpoint { return incoming.localEnd }

// RemoteEnd is the address and port the SYN was sent from.
func (incoming Incoming) RemoteEnd() protocol.Endpoint { return incoming.remoteEnd }

func (incoming Incoming) String() string {
	return fmt.Sprintf("%s <- %s", incoming.localEnd, incoming.remoteEnd)
}

// Slot is one element of a listener's backlog storage. Callers allocate the
// storage with make([]Slot, n) and hand it to NewListener.
type Slot struct {
	incoming Incoming
	pending  bool
}

// Listener is a listening TCP socket. It queues connection requests for its
// endpoint in a fixed backlog and hands them out in arrival order.
//
// A Listener is not safe for concurrent use.
type Listener struct {
	endpoint protocol.Endpoint
	backlog  []Slot
	acceptAt int
	length   int

	verifyChecksum bool
	logger         *zap.Logger
}

type ListenerOption func(*Listener)

func WithLogger(logger *zap.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// WithChecksumVerification turns checking of segment checksums on or off. It
// is on by default.
func WithChecksumVerification(verify bool) ListenerOption {
	return func(l *Listener) { l.verifyChecksum = verify }
}

// NewListener creates a listener for endpoint that queues up to len(backlog)
// requests. An endpoint with an unspecified address accepts requests sent to
// any local address. The listener owns backlog from now on; its slots must be
// empty.
func NewListener(endpoint protocol.Endpoint, backlog []Slot, opts ...ListenerOption) *Listener {
	l := &Listener{
		endpoint:       endpoint,
		backlog:        backlog,
		verifyChecksum: true,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

func (l *Listener) Endpoint() protocol.Endpoint { return l.endpoint }

// Len returns the number of queued requests.
func (l *Listener) Len() int { return l.length }

// Cap returns the backlog capacity.
func (l *Listener) Cap() int { return len(l.backlog) }

func (l *Listener) String() string {
	return fmt.Sprintf("listener %s (%d/%d)", l.endpoint, l.length, len(l.backlog))
}

// Accept removes and returns the oldest queued request. It reports false and
// leaves the listener untouched when nothing is queued.
func (l *Listener) Accept() (Incoming, bool) {
	if l.length == 0 {
		return Incoming{}, false
	}

	acceptAt := l.acceptAt
	l.acceptAt = (l.acceptAt + 1) % len(l.backlog)
	l.length--

	slot := &l.backlog[acceptAt]
	if !slot.pending {
		panic(fmt.Sprintf("%s: backlog slot %d is empty", l, acceptAt))
	}
	incoming := slot.incoming
	*slot = Slot{}
	return incoming, true
}

// Collect offers an IP payload to the listener. A bare SYN addressed to the
// listener's endpoint is queued; anything else is refused with
// protocol.ErrRejected. A SYN that finds the backlog full is refused with
// protocol.ErrExhausted. Decoder errors are returned unchanged.
func (l *Listener) Collect(src, dst netip.Addr, proto protocol.IPProtocol, payload []byte) error {
	if proto != protocol.ProtocolTCP {
		l.debug("rejected segment", zap.Stringer("protocol", proto))
		return protocol.ErrRejected
	}

	repr, err := ParseSegment(src, dst, payload, l.verifyChecksum)
	if err != nil {
		return err
	}

	if repr.DstPort != l.endpoint.Port {
		l.debug("rejected segment", zap.Uint16("port", repr.DstPort))
		return protocol.ErrRejected
	}
	if l.endpoint.IsSpecified() && dst != l.endpoint.Addr {
		l.debug("rejected segment", zap.Stringer("dst", dst))
		return protocol.ErrRejected
	}
	// Only the opening segment of a handshake starts a connection.
	if repr.Control != ControlSyn || repr.HasAck {
		l.debug("rejected segment", zap.Stringer("control", repr.Control), zap.Bool("ack", repr.HasAck))
		return protocol.ErrRejected
	}

	if l.length == len(l.backlog) {
		l.debug("backlog exhausted", zap.Stringer("src", src), zap.Uint16("src_port", repr.SrcPort))
		return protocol.ErrExhausted
	}

	injectAt := (l.acceptAt + l.length) % len(l.backlog)
	slot := &l.backlog[injectAt]
	if slot.pending {
		panic(fmt.Sprintf("%s: backlog slot %d is already occupied", l, injectAt))
	}
	*slot = Slot{
		incoming: Incoming{
			localEnd:  protocol.NewEndpoint(dst, repr.DstPort),
			remoteEnd: protocol.NewEndpoint(src, repr.SrcPort),
			seqNumber: repr.SeqNumber,
		},
		pending: true,
	}
	l.length++
	return nil
}

func (l *Listener) debug(msg string, fields ...zap.Field) {
	if ce := l.logger.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(append(fields, zap.Stringer("listener", l.endpoint))...)
	}
}
