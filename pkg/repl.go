package protocol

import (
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
)

// REPL commands

func (stack *IPStack) sortedInterfaces() []*Interface {
	stack.Mutex.RLock()
	defer stack.Mutex.RUnlock()
	ifaces := make([]*Interface, 0, len(stack.Interfaces))
	for _, iface := range stack.Interfaces {
		ifaces = append(ifaces, iface)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].Name < ifaces[j].Name })
	return ifaces
}

// Li lists interfaces.
func (stack *IPStack) Li(out io.Writer) {
	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tAddr/Prefix\tState")
	for _, iface := range stack.sortedInterfaces() {
		state := "up"
		if iface.Down.Load() {
			state = "down"
		}
		fmt.Fprintf(w, "%s\t%s/%d\t%s\n", iface.Name, iface.IP, iface.Prefix.Bits(), state)
	}
	w.Flush()
}

// Ln lists neighbors reachable through interfaces that are up.
func (stack *IPStack) Ln(out io.Writer) {
	stack.Mutex.RLock()
	addrs := make([]netip.Addr, 0, len(stack.Neighbors))
	for addr := range stack.Neighbors {
		addrs = append(addrs, addr)
	}
	stack.Mutex.RUnlock()
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	w := tabwriter.NewWriter(out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Iface\tVIP\tUDPAddr")
	for _, addr := range addrs {
		stack.Mutex.RLock()
		n := stack.Neighbors[addr]
		stack.Mutex.RUnlock()
		if n.Interface.Down.Load() {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", n.Interface.Name, addr, n.Udp)
	}
	w.Flush()
}

func (stack *IPStack) setDown(interfaceName string, down bool) error {
	stack.Mutex.RLock()
	iface, exists := stack.Interfaces[interfaceName]
	stack.Mutex.RUnlock()
	if !exists {
		return errors.Errorf("unknown interface %q", interfaceName)
	}
	iface.Down.Store(down)
	return nil
}

func (stack *IPStack) Down(interfaceName string) error { return stack.setDown(interfaceName, true) }

func (stack *IPStack) Up(interfaceName string) error { return stack.setDown(interfaceName, false) }

// Command runs one IP-layer REPL command. It reports false if line is not an
// IP-layer command.
func (stack *IPStack) Command(line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "li":
		stack.Li(out)
	case "ln":
		stack.Ln(out)
	case "up", "down":
		if len(fields) != 2 {
			fmt.Fprintf(out, "Usage: %s <ifname>\n", fields[0])
			return true
		}
		var err error
		if fields[0] == "up" {
			err = stack.Up(fields[1])
		} else {
			err = stack.Down(fields[1])
		}
		if err != nil {
			fmt.Fprintln(out, err)
		}
	case "send":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			fmt.Fprintln(out, "Usage: send <addr> <message>")
			return true
		}
		destAddr, err := netip.ParseAddr(parts[1])
		if err != nil {
			fmt.Fprintf(out, "Invalid IP address: %v\n", err)
			return true
		}
		if err := stack.SendIP(destAddr, ProtocolTest, []byte(parts[2])); err != nil {
			fmt.Fprintln(out, err)
			return true
		}
		fmt.Fprintf(out, "Sent %d bytes\n", len(parts[2]))
	default:
		return false
	}
	return true
}
