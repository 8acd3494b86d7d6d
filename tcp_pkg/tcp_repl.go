package tcp_protocol

import (
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"

	"tcp-socket-core/lnxconfig"
	protocol "tcp-socket-core/pkg"
)

// ListSockets prints every listener and every accepted connection.
func (stack *TCPStack) ListSockets(out io.Writer) {
	stack.mu.Lock()
	defer stack.mu.Unlock()

	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus")
	stack.ListenTable.Ascend(func(entry listenEntry) bool {
		endpoint := entry.listener.Endpoint()
		fmt.Fprintf(w, "-\t%s\t%d\t*\t*\t%s (%d/%d)\n", protocol.FormatAddr(endpoint.Addr), endpoint.Port,
			LISTEN, entry.listener.Len(), entry.listener.Cap())
		return true
	})
	for i := range stack.Conns {
		conn := &stack.Conns[i]
		if !conn.inUse {
			continue
		}
		local, remote := conn.Incoming.LocalEnd(), conn.Incoming.RemoteEnd()
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s (tx %d/%d, rx %d/%d)\n", conn.ID,
			protocol.FormatAddr(local.Addr), local.Port, protocol.FormatAddr(remote.Addr), remote.Port,
			SYN_RECEIVED, conn.SendBuf.Len(), conn.SendBuf.Cap(), conn.RecvBuf.Len(), conn.RecvBuf.Cap())
	}
	w.Flush()
}

func (stack *TCPStack) ACommand(out io.Writer, port uint16, backlog int) error {
	listener, err := stack.VListen(protocol.NewEndpoint(netip.Addr{}, port), backlog)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created listen socket on %s\n", listener.Endpoint())
	return nil
}

func (stack *TCPStack) AcceptCommand(out io.Writer, port uint16) error {
	conn, err := stack.VAccept(port)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Accepted %s as socket %d\n", conn.Incoming.RemoteEnd(), conn.ID)
	return nil
}

func (stack *TCPStack) SCommand(out io.Writer, sid int, data string) error {
	var queued int
	err := stack.WithConn(sid, func(conn *TCPConn) error {
		queued = conn.SendBuf.EnqueueSlice([]byte(data))
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Queued %d bytes\n", queued)
	return nil
}

func (stack *TCPStack) RCommand(out io.Writer, sid int, numBytes int) error {
	var appBuffer []byte
	err := stack.WithConn(sid, func(conn *TCPConn) error {
		// Never allocate more than is queued.
		appBuffer = make([]byte, min(numBytes, conn.RecvBuf.Len()))
		appBuffer = appBuffer[:conn.RecvBuf.DequeueSlice(appBuffer)]
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Read %d bytes: %s\n", len(appBuffer), appBuffer)
	return nil
}

func (stack *TCPStack) SynCommand(out io.Writer, dst netip.Addr, port uint16) error {
	repr, err := stack.SendSyn(dst, port)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Sent SYN %d -> %s:%d\n", repr.SrcPort, dst, port)
	return nil
}

func (stack *TCPStack) StatsCommand(out io.Writer) {
	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Queued\tAccepted\tRejected\tExhausted\tMalformed")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n", stack.Stats.Queued.Load(), stack.Stats.Accepted.Load(),
		stack.Stats.Rejected.Load(), stack.Stats.Exhausted.Load(), stack.Stats.Malformed.Load())
	w.Flush()
}

// Command runs one TCP REPL command. It reports false if line is not a TCP
// command.
func (stack *TCPStack) Command(line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch fields[0] {
	case "ls":
		stack.ListSockets(out)
	case "stats":
		stack.StatsCommand(out)
	case "a":
		if len(fields) < 2 || len(fields) > 3 {
			err = errors.New("usage: a <port> [backlog]")
			break
		}
		backlog := lnxconfig.DefaultBacklog
		if len(fields) == 3 {
			if backlog, err = strconv.Atoi(fields[2]); err != nil {
				break
			}
		}
		var port uint16
		if port, err = parsePort(fields[1]); err == nil {
			err = stack.ACommand(out, port, backlog)
		}
	case "accept":
		if len(fields) != 2 {
			err = errors.New("usage: accept <port>")
			break
		}
		var port uint16
		if port, err = parsePort(fields[1]); err == nil {
			err = stack.AcceptCommand(out, port)
		}
	case "cl":
		if len(fields) != 2 {
			err = errors.New("usage: cl <port>")
			break
		}
		var port uint16
		if port, err = parsePort(fields[1]); err == nil {
			err = stack.VClose(port)
		}
	case "close":
		if len(fields) != 2 {
			err = errors.New("usage: close <sid>")
			break
		}
		var sid int
		if sid, err = strconv.Atoi(fields[1]); err == nil {
			err = stack.CloseConn(sid)
		}
	case "s":
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) != 3 {
			err = errors.New("usage: s <sid> <text>")
			break
		}
		var sid int
		if sid, err = strconv.Atoi(parts[1]); err == nil {
			err = stack.SCommand(out, sid, parts[2])
		}
	case "r":
		if len(fields) != 3 {
			err = errors.New("usage: r <sid> <numbytes>")
			break
		}
		var sid, n int
		if sid, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		if n, err = strconv.Atoi(fields[2]); err != nil {
			break
		}
		if n < 0 {
			err = errors.Errorf("negative byte count %d", n)
			break
		}
		err = stack.RCommand(out, sid, n)
	case "syn":
		if len(fields) != 3 {
			err = errors.New("usage: syn <ip> <port>")
			break
		}
		var dst netip.Addr
		if dst, err = netip.ParseAddr(fields[1]); err != nil {
			break
		}
		var port uint16
		if port, err = parsePort(fields[2]); err == nil {
			err = stack.SynCommand(out, dst, port)
		}
	default:
		return false
	}

	if err != nil {
		fmt.Fprintln(out, "Error:", err)
	}
	return true
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", s)
	}
	if port == 0 {
		return 0, errors.New("port 0 is reserved")
	}
	return uint16(port), nil
}
