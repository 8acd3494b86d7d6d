package lnxconfig

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostYAML = `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
neighbors:
  - ip: 10.0.0.2
    udp: 127.0.0.1:5001
    interface: if0
listeners:
  - port: 9000
    backlog: 4
  - addr: 10.0.0.1
    port: 9001
max_conns: 4
buffer_size: 64
log_level: debug
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(hostYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Interfaces, 1)
	iface := cfg.Interfaces[0]
	assert.Equal(t, "if0", iface.Name)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), iface.AssignedIP)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/24"), iface.AssignedPrefix)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:5000"), iface.UDPAddr)

	require.Len(t, cfg.Neighbors, 1)
	assert.Equal(t, NeighborConfig{
		DestAddr:      netip.MustParseAddr("10.0.0.2"),
		UDPAddr:       netip.MustParseAddrPort("127.0.0.1:5001"),
		InterfaceName: "if0",
	}, cfg.Neighbors[0])

	assert.Equal(t, []ListenerConfig{
		{Port: 9000, Backlog: 4},
		{Addr: netip.MustParseAddr("10.0.0.1"), Port: 9001, Backlog: DefaultBacklog},
	}, cfg.Listeners)

	assert.Equal(t, 4, cfg.MaxConns)
	assert.Equal(t, 64, cfg.BufferSize)
	assert.True(t, cfg.VerifyChecksum)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
interfaces:
  - name: if0
    ip: 192.168.1.1/16
    udp: 127.0.0.1:6000
verify_checksum: false
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConns, cfg.MaxConns)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.False(t, cfg.VerifyChecksum)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Listeners)
}

func TestParseListenerBacklog(t *testing.T) {
	cfg, err := Parse([]byte(`
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
listeners:
  - port: 80
  - port: 81
    backlog: 0
  - port: 82
    backlog: 3
`))
	require.NoError(t, err)
	require.Len(t, cfg.Listeners, 3)
	assert.Equal(t, DefaultBacklog, cfg.Listeners[0].Backlog)
	assert.Equal(t, 0, cfg.Listeners[1].Backlog)
	assert.Equal(t, 3, cfg.Listeners[2].Backlog)
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"no interfaces": `max_conns: 2`,
		"bad prefix": `
interfaces:
  - name: if0
    ip: 10.0.0.1
    udp: 127.0.0.1:5000`,
		"ipv6 interface": `
interfaces:
  - name: if0
    ip: fd00::1/64
    udp: 127.0.0.1:5000`,
		"duplicate interface": `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
  - name: if0
    ip: 10.0.1.1/24
    udp: 127.0.0.1:5001`,
		"unknown neighbor interface": `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
neighbors:
  - ip: 10.0.0.2
    udp: 127.0.0.1:5001
    interface: if1`,
		"port out of range": `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
listeners:
  - port: 70000`,
		"negative backlog": `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
listeners:
  - port: 80
    backlog: -1`,
		"zero buffer": `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:5000
buffer_size: 0`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yml")
	require.NoError(t, os.WriteFile(path, []byte(hostYAML), 0o644))

	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Listeners, 2)

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
