package tcp_protocol

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcp-socket-core/lnxconfig"
	protocol "tcp-socket-core/pkg"
)

type sentPacket struct {
	dest  netip.Addr
	proto protocol.IPProtocol
	data  []byte
}

// fakeIPLayer routes everything through one interface address and records
// what is sent.
type fakeIPLayer struct {
	mu   sync.Mutex
	src  netip.Addr
	sent []sentPacket
}

func (f *fakeIPLayer) SourceFor(dest netip.Addr) (netip.Addr, error) {
	if dest == f.src {
		return netip.Addr{}, protocol.ErrNoRoute
	}
	return f.src, nil
}

func (f *fakeIPLayer) SendIP(dest netip.Addr, protocolNum protocol.IPProtocol, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{dest: dest, proto: protocolNum, data: data})
	return nil
}

func newTestStack(t *testing.T, maxConns int, listeners ...lnxconfig.ListenerConfig) (*TCPStack, *fakeIPLayer) {
	ipLayer := &fakeIPLayer{src: remoteAddr}
	stack, err := NewTCPStack(ipLayer, &lnxconfig.IPConfig{
		Listeners:      listeners,
		MaxConns:       maxConns,
		BufferSize:     8,
		VerifyChecksum: true,
	}, nil)
	require.NoError(t, err)
	return stack, ipLayer
}

func stackSyn(stack *TCPStack, srcPort, dstPort uint16) error {
	repr := synRepr(srcPort, dstPort, 1)
	return stack.Collect(remoteAddr, localAddr, protocol.ProtocolTCP, repr.Encode(remoteAddr, localAddr))
}

func TestTCPStackListenersFromConfig(t *testing.T) {
	stack, _ := newTestStack(t, 2,
		lnxconfig.ListenerConfig{Port: 80, Backlog: 1},
		lnxconfig.ListenerConfig{Addr: localAddr, Port: 443, Backlog: 2},
	)
	assert.Equal(t, 2, stack.ListenTable.Len())

	require.NoError(t, stackSyn(stack, 1000, 80))
	require.NoError(t, stackSyn(stack, 1000, 443))
	assert.ErrorIs(t, stackSyn(stack, 1001, 80), protocol.ErrExhausted)
	assert.ErrorIs(t, stackSyn(stack, 1000, 8080), protocol.ErrRejected)
	assert.ErrorIs(t, stack.Collect(remoteAddr, localAddr, protocol.ProtocolTCP, []byte{1, 2}), protocol.ErrMalformed)
	assert.ErrorIs(t, stack.Collect(remoteAddr, localAddr, protocol.ProtocolUDP, nil), protocol.ErrRejected)

	assert.Equal(t, uint64(2), stack.Stats.Queued.Load())
	assert.Equal(t, uint64(1), stack.Stats.Exhausted.Load())
	assert.Equal(t, uint64(2), stack.Stats.Rejected.Load())
	assert.Equal(t, uint64(1), stack.Stats.Malformed.Load())
}

func TestTCPStackDuplicateListenerConfig(t *testing.T) {
	_, err := NewTCPStack(&fakeIPLayer{}, &lnxconfig.IPConfig{
		Listeners:  []lnxconfig.ListenerConfig{{Port: 80, Backlog: 1}, {Port: 80, Backlog: 1}},
		MaxConns:   1,
		BufferSize: 8,
	}, nil)
	assert.ErrorIs(t, err, ErrPortInUse)
}

func TestTCPStackListenAndClose(t *testing.T) {
	stack, _ := newTestStack(t, 1)

	_, err := stack.VListen(protocol.NewEndpoint(netip.Addr{}, 80), 2)
	require.NoError(t, err)
	_, err = stack.VListen(protocol.NewEndpoint(localAddr, 80), 2)
	assert.ErrorIs(t, err, ErrPortInUse)
	_, err = stack.VListen(protocol.NewEndpoint(localAddr, 81), -1)
	assert.Error(t, err)

	require.NoError(t, stackSyn(stack, 1000, 80))
	require.NoError(t, stack.VClose(80))
	assert.ErrorIs(t, stack.VClose(80), ErrNoListener)
	assert.ErrorIs(t, stackSyn(stack, 1000, 80), protocol.ErrRejected)
}

func TestTCPStackAccept(t *testing.T) {
	stack, _ := newTestStack(t, 1, lnxconfig.ListenerConfig{Port: 80, Backlog: 4})

	_, err := stack.VAccept(80)
	assert.ErrorIs(t, err, ErrNoPending)
	_, err = stack.VAccept(81)
	assert.ErrorIs(t, err, ErrNoListener)

	require.NoError(t, stackSyn(stack, 1000, 80))
	require.NoError(t, stackSyn(stack, 1001, 80))

	conn, err := stack.VAccept(80)
	require.NoError(t, err)
	assert.Equal(t, 0, conn.ID)
	assert.Equal(t, protocol.NewEndpoint(remoteAddr, 1000), conn.Incoming.RemoteEnd())
	assert.Equal(t, 8, conn.SendBuf.Cap())
	assert.Equal(t, 8, conn.RecvBuf.Cap())
	assert.Equal(t, uint64(1), stack.Stats.Accepted.Load())

	// The table is full, so the second request stays queued.
	_, err = stack.VAccept(80)
	assert.ErrorIs(t, err, protocol.ErrExhausted)

	require.NoError(t, stack.CloseConn(0))
	conn, err = stack.VAccept(80)
	require.NoError(t, err)
	assert.Equal(t, uint16(1001), conn.Incoming.RemoteEnd().Port)
	assert.ErrorIs(t, stack.CloseConn(3), ErrNoSocket)
}

func TestTCPStackConnBuffersAreDisjoint(t *testing.T) {
	stack, _ := newTestStack(t, 2, lnxconfig.ListenerConfig{Port: 80, Backlog: 4})
	require.NoError(t, stackSyn(stack, 1000, 80))
	require.NoError(t, stackSyn(stack, 1001, 80))
	_, err := stack.VAccept(80)
	require.NoError(t, err)
	_, err = stack.VAccept(80)
	require.NoError(t, err)

	for sid := 0; sid < 2; sid++ {
		fill := bytes.Repeat([]byte{byte('a' + sid)}, 8)
		require.NoError(t, stack.WithConn(sid, func(conn *TCPConn) error {
			assert.Equal(t, 8, conn.SendBuf.EnqueueSlice(fill))
			assert.Equal(t, 8, conn.RecvBuf.EnqueueSlice(bytes.ToUpper(fill)))
			return nil
		}))
	}
	for sid := 0; sid < 2; sid++ {
		out := make([]byte, 8)
		require.NoError(t, stack.WithConn(sid, func(conn *TCPConn) error {
			conn.SendBuf.DequeueSlice(out)
			assert.Equal(t, bytes.Repeat([]byte{byte('a' + sid)}, 8), out)
			conn.RecvBuf.DequeueSlice(out)
			assert.Equal(t, bytes.Repeat([]byte{byte('A' + sid)}, 8), out)
			return nil
		}))
	}
}

func TestTCPStackHandler(t *testing.T) {
	stack, _ := newTestStack(t, 1, lnxconfig.ListenerConfig{Port: 80, Backlog: 1})
	repr := synRepr(1000, 80, 1)
	packet := &protocol.IPPacket{
		Header: ipv4header.IPv4Header{
			Protocol: int(protocol.ProtocolTCP),
			Src:      remoteAddr,
			Dst:      localAddr,
		},
		Payload: repr.Encode(remoteAddr, localAddr),
	}
	require.NoError(t, stack.TCPHandler(packet))
	assert.ErrorIs(t, stack.TCPHandler(packet), protocol.ErrExhausted)
}

func TestTCPStackSendSyn(t *testing.T) {
	stack, ipLayer := newTestStack(t, 1)

	repr, err := stack.SendSyn(localAddr, 80)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, repr.SrcPort, uint16(ephemeralPortMin))
	require.Len(t, ipLayer.sent, 1)
	sent := ipLayer.sent[0]
	assert.Equal(t, localAddr, sent.dest)
	assert.Equal(t, protocol.ProtocolTCP, sent.proto)

	// What goes out is exactly what a listener on the other side takes.
	peer := NewListener(protocol.NewEndpoint(localAddr, 80), make([]Slot, 1))
	require.NoError(t, peer.Collect(remoteAddr, localAddr, sent.proto, sent.data))
	incoming, ok := peer.Accept()
	require.True(t, ok)
	assert.Equal(t, protocol.NewEndpoint(remoteAddr, repr.SrcPort), incoming.RemoteEnd())
	assert.Equal(t, repr.SeqNumber, incoming.seqNumber)

	_, err = stack.SendSyn(remoteAddr, 80)
	assert.ErrorIs(t, err, protocol.ErrNoRoute)
}
