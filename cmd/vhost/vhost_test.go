package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
interfaces:
  - name: if0
    ip: 10.0.0.1/24
    udp: 127.0.0.1:0
neighbors:
  - ip: 10.0.0.2
    udp: 127.0.0.1:9
    interface: if0
listeners:
  - port: 80
    backlog: 2
max_conns: 2
log_level: error
`

func TestRunSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	in := strings.NewReader("li\na 81 4\nls\nbogus\nq\n")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), path, "", in, &out))

	output := out.String()
	assert.Contains(t, output, "10.0.0.1/24")
	assert.Contains(t, output, "Created listen socket on *:81")
	assert.Contains(t, output, "LISTEN (0/2)")
	assert.Contains(t, output, "LISTEN (0/4)")
	assert.Contains(t, output, "Invalid command: bogus")
}

func TestRunBadConfig(t *testing.T) {
	err := run(context.Background(), filepath.Join(t.TempDir(), "missing.yml"), "", strings.NewReader(""), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRootCommandRequiresConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
