// Package lnxconfig loads the YAML description of a virtual host: its
// interfaces, the neighbors reachable over each UDP link, and the TCP
// listeners to open at startup.
package lnxconfig

import (
	"net/netip"

	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
	"github.com/pkg/errors"
)

const (
	DefaultMaxConns   = 16
	DefaultBufferSize = 1024
	DefaultBacklog    = 8
)

type InterfaceConfig struct {
	Name           string
	AssignedIP     netip.Addr
	AssignedPrefix netip.Prefix
	UDPAddr        netip.AddrPort
}

type NeighborConfig struct {
	DestAddr      netip.Addr
	UDPAddr       netip.AddrPort
	InterfaceName string
}

type ListenerConfig struct {
	Addr    netip.Addr // zero value listens on any local address
	Port    uint16
	// Backlog is DefaultBacklog when the key is omitted. An explicit 0 opens a
	// listener that refuses every request as exhausted.
	Backlog int
}

// IPConfig is the parsed host configuration.
type IPConfig struct {
	Interfaces []InterfaceConfig
	Neighbors  []NeighborConfig
	Listeners  []ListenerConfig

	// Size of the accepted-connection table and of each socket buffer.
	MaxConns   int
	BufferSize int

	VerifyChecksum bool
	LogLevel       string
}

type rawInterface struct {
	Name string `config:"name" validate:"required"`
	IP   string `config:"ip" validate:"required"`
	UDP  string `config:"udp" validate:"required"`
}

type rawNeighbor struct {
	IP        string `config:"ip" validate:"required"`
	UDP       string `config:"udp" validate:"required"`
	Interface string `config:"interface" validate:"required"`
}

type rawListener struct {
	Addr    string `config:"addr"`
	Port    int    `config:"port" validate:"required,min=1,max=65535"`
	Backlog *int   `config:"backlog"` // nil selects DefaultBacklog
}

type rawConfig struct {
	Interfaces     []rawInterface `config:"interfaces" validate:"required"`
	Neighbors      []rawNeighbor  `config:"neighbors"`
	Listeners      []rawListener  `config:"listeners"`
	MaxConns       int            `config:"max_conns" validate:"min=1"`
	BufferSize     int            `config:"buffer_size" validate:"min=1"`
	VerifyChecksum bool           `config:"verify_checksum"`
	LogLevel       string         `config:"log_level"`
}

func defaultRawConfig() *rawConfig {
	return &rawConfig{
		MaxConns:       DefaultMaxConns,
		BufferSize:     DefaultBufferSize,
		VerifyChecksum: true,
		LogLevel:       "info",
	}
}

// ParseConfig reads the host configuration file at path.
func ParseConfig(path string) (*IPConfig, error) {
	cfg, err := yaml.NewConfigWithFile(path, ucfg.PathSep("."))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return unpack(cfg)
}

// Parse decodes a host configuration from YAML bytes.
func Parse(data []byte) (*IPConfig, error) {
	cfg, err := yaml.NewConfig(data, ucfg.PathSep("."))
	if err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return unpack(cfg)
}

func unpack(cfg *ucfg.Config) (*IPConfig, error) {
	raw := defaultRawConfig()
	if err := cfg.Unpack(raw); err != nil {
		return nil, errors.Wrap(err, "unpacking config")
	}
	return raw.convert()
}

func (raw *rawConfig) convert() (*IPConfig, error) {
	out := &IPConfig{
		MaxConns:       raw.MaxConns,
		BufferSize:     raw.BufferSize,
		VerifyChecksum: raw.VerifyChecksum,
		LogLevel:       raw.LogLevel,
	}

	if len(raw.Interfaces) == 0 {
		return nil, errors.New("at least one interface is required")
	}
	names := make(map[string]bool, len(raw.Interfaces))
	for _, ri := range raw.Interfaces {
		if names[ri.Name] {
			return nil, errors.Errorf("interface %q defined twice", ri.Name)
		}
		names[ri.Name] = true

		prefix, err := netip.ParsePrefix(ri.IP)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s", ri.Name)
		}
		if !prefix.Addr().Is4() {
			return nil, errors.Errorf("interface %s: %s is not an IPv4 prefix", ri.Name, ri.IP)
		}
		udp, err := netip.ParseAddrPort(ri.UDP)
		if err != nil {
			return nil, errors.Wrapf(err, "interface %s", ri.Name)
		}
		out.Interfaces = append(out.Interfaces, InterfaceConfig{
			Name:           ri.Name,
			AssignedIP:     prefix.Addr(),
			AssignedPrefix: prefix.Masked(),
			UDPAddr:        udp,
		})
	}

	for _, rn := range raw.Neighbors {
		if !names[rn.Interface] {
			return nil, errors.Errorf("neighbor %s: unknown interface %q", rn.IP, rn.Interface)
		}
		addr, err := netip.ParseAddr(rn.IP)
		if err != nil {
			return nil, errors.Wrap(err, "neighbor")
		}
		udp, err := netip.ParseAddrPort(rn.UDP)
		if err != nil {
			return nil, errors.Wrapf(err, "neighbor %s", rn.IP)
		}
		out.Neighbors = append(out.Neighbors, NeighborConfig{
			DestAddr:      addr,
			UDPAddr:       udp,
			InterfaceName: rn.Interface,
		})
	}

	for _, rl := range raw.Listeners {
		lc := ListenerConfig{Port: uint16(rl.Port), Backlog: DefaultBacklog}
		if rl.Backlog != nil {
			if *rl.Backlog < 0 {
				return nil, errors.Errorf("listener on port %d: negative backlog %d", rl.Port, *rl.Backlog)
			}
			lc.Backlog = *rl.Backlog
		}
		if rl.Addr != "" {
			addr, err := netip.ParseAddr(rl.Addr)
			if err != nil {
				return nil, errors.Wrapf(err, "listener on port %d", rl.Port)
			}
			lc.Addr = addr
		}
		out.Listeners = append(out.Listeners, lc)
	}
	return out, nil
}
