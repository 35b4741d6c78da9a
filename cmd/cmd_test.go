package cmd

import (
	"bytes"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/blobxfer/internal/api"
	"github.com/NamanBalaji/blobxfer/internal/config"
	"github.com/NamanBalaji/blobxfer/internal/node"
)

func TestParsePeer(t *testing.T) {
	p, err := parsePeer("10.30.10.219:3282")
	require.NoError(t, err)
	assert.Equal(t, api.PeerInfo{Host: "10.30.10.219", Port: 3282}, p)

	p, err = parsePeer("[::1]:9")
	require.NoError(t, err)
	assert.Equal(t, "::1", p.Host)

	for _, bad := range []string{"10.0.0.1", "host:0", "host:70000", "host:x"} {
		_, err := parsePeer(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobxfer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 4000\nrpc:\n  port: 4001\n"), 0o644))

	f := &globalFlags{configPath: path}
	cfg, err := f.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Listen.Port)
	assert.Equal(t, 4001, cfg.RPC.Port)

	dir := t.TempDir()
	f = &globalFlags{configPath: path, port: 5000, rpcPort: 5001, dataDir: dir}
	cfg, err = f.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Listen.Port)
	assert.Equal(t, 5001, cfg.RPC.Port)
	assert.Equal(t, dir, cfg.DataDir)

	f = &globalFlags{configPath: path, port: 70000}
	_, err = f.loadConfig()
	assert.Error(t, err)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := NewRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.Execute()

	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Listen = &config.AddrConfig{Host: "127.0.0.1", Port: 0}
	cfg.BlockSize = 256

	n, err := node.New(&cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Shutdown()

	srv := httptest.NewServer(api.NewServer(n).Handler())
	defer srv.Close()

	_, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	confPath := filepath.Join(t.TempDir(), "blobxfer.yaml")
	require.NoError(t, os.WriteFile(confPath, []byte("rpc:\n  host: 127.0.0.1\n"), 0o644))

	base := []string{"--config", confPath, "--rpc-port", port}

	out, err := run(t, append(base, "id")...)
	require.NoError(t, err)
	assert.Equal(t, n.ID().String()+" "+node.Version+"\n", out)

	out, err = run(t, append(base, "addresses")...)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(n.Addresses().Port)+"\n", out)

	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, bytes.Repeat([]byte("x"), 1000), 0o644))

	out, err = run(t, append(base, "upload", file)...)
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.Len(t, hash, 32)

	out, err = run(t, append(base, "check", hash)...)
	require.NoError(t, err)
	assert.Equal(t, hash+"\n", out)

	_, err = run(t, append(base, "check", "9854003e4a2b4aaf8c03a30ca4e2f4f0")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFoundError")

	_, err = run(t, append(base, "download", hash, t.TempDir(), "--peer", "nope")...)
	assert.Error(t, err)
}
