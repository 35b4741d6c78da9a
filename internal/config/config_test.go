package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/adrg/xdg"

	cfg "github.com/NamanBalaji/blobxfer/internal/config"
)

func withTempConfigHome(t *testing.T) (restore func(), dir string, file string) {
	t.Helper()
	orig := xdg.ConfigHome
	dir = t.TempDir()
	xdg.ConfigHome = dir
	restore = func() { xdg.ConfigHome = orig }
	file = filepath.Join(dir, "blobxfer")
	return
}

func TestGetConfig_Table(t *testing.T) {
	restore, _, cfgFile := withTempConfigHome(t)
	defer restore()

	def := cfg.DefaultConfig()

	tests := []struct {
		name      string
		preWrite  bool
		contents  string
		expectErr bool
		check     func(t *testing.T, got *cfg.Config, def cfg.Config)
	}{
		{
			name:     "missing_file_returns_defaults",
			preWrite: false,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:     "empty_file_returns_defaults",
			preWrite: true,
			contents: "",
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if !reflect.DeepEqual(*got, def) {
					t.Fatalf("expected defaults\nwant: %#v\ngot:  %#v", def, *got)
				}
			},
		},
		{
			name:      "invalid_yaml_returns_error",
			preWrite:  true,
			contents:  ": not yaml",
			expectErr: true,
		},
		{
			name:      "unknown_hash_returns_error",
			preWrite:  true,
			contents:  "hash: md5\n",
			expectErr: true,
		},
		{
			name:      "block_size_at_packet_limit_returns_error",
			preWrite:  true,
			contents:  "blockSize: 4194304\n",
			expectErr: true,
		},
		{
			name:      "keepalive_longer_than_idle_returns_error",
			preWrite:  true,
			contents:  "session:\n  keepAlive: 5m\n  idleTimeout: 1m\n",
			expectErr: true,
		},
		{
			name:     "partial_override_and_fallback",
			preWrite: true,
			contents: `
dataDir: /srv/blobs
hash: blake2b
listen:
  port: 4000
store:
  shareLifetime: 720h
session:
  requestTimeout: 15s
download:
  maxBlockAttempts: 4
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.DataDir != "/srv/blobs" {
					t.Fatalf("want dataDir=/srv/blobs got %q", got.DataDir)
				}
				if got.Hash != "blake2b" {
					t.Fatalf("want hash=blake2b got %q", got.Hash)
				}
				if got.Listen.Port != 4000 || got.Listen.Host != def.Listen.Host {
					t.Fatalf("want listen %s:4000 got %s", def.Listen.Host, got.Listen.Addr())
				}
				if !reflect.DeepEqual(*got.RPC, *def.RPC) {
					t.Fatalf("rpc defaults not applied\nwant: %#v\ngot:  %#v", *def.RPC, *got.RPC)
				}
				if got.Store.ShareLifetime != 720*time.Hour {
					t.Fatalf("want store.shareLifetime=720h got %s", got.Store.ShareLifetime)
				}
				if got.Store.SweepInterval != def.Store.SweepInterval {
					t.Fatalf("want store.sweepInterval default %s got %s", def.Store.SweepInterval, got.Store.SweepInterval)
				}
				if got.Session.RequestTimeout != 15*time.Second {
					t.Fatalf("want session.requestTimeout=15s got %s", got.Session.RequestTimeout)
				}
				if got.Session.HandshakeTimeout != def.Session.HandshakeTimeout {
					t.Fatalf("want session.handshakeTimeout default %s got %s", def.Session.HandshakeTimeout, got.Session.HandshakeTimeout)
				}
				if got.Download.MaxBlockAttempts != 4 {
					t.Fatalf("want download.maxBlockAttempts=4 got %d", got.Download.MaxBlockAttempts)
				}
				if got.Download.Timeout != def.Download.Timeout {
					t.Fatalf("want download.timeout default %s got %s", def.Download.Timeout, got.Download.Timeout)
				}
				if got.BlockSize != def.BlockSize {
					t.Fatalf("want blockSize default %d got %d", def.BlockSize, got.BlockSize)
				}
			},
		},
		{
			name:     "explicit_zero_values_fall_back_to_defaults",
			preWrite: true,
			contents: `
blockSize: 0
rpc:
  port: 0
  host: ""
download:
  timeout: 0s
  peerFailureLimit: 0
`,
			check: func(t *testing.T, got *cfg.Config, def cfg.Config) {
				if got.BlockSize != def.BlockSize {
					t.Fatalf("blockSize zero should fallback. want %d got %d", def.BlockSize, got.BlockSize)
				}
				if got.RPC.Addr() != def.RPC.Addr() {
					t.Fatalf("rpc zero should fallback. want %s got %s", def.RPC.Addr(), got.RPC.Addr())
				}
				if got.Download.Timeout != def.Download.Timeout {
					t.Fatalf("download.timeout zero should fallback. want %s got %s", def.Download.Timeout, got.Download.Timeout)
				}
				if got.Download.PeerFailureLimit != def.Download.PeerFailureLimit {
					t.Fatalf("download.peerFailureLimit zero should fallback. want %d got %d",
						def.Download.PeerFailureLimit, got.Download.PeerFailureLimit)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// clean start each subtest
			_ = os.Remove(cfgFile)
			if tc.preWrite {
				if err := os.WriteFile(cfgFile, []byte(tc.contents), 0o600); err != nil {
					t.Fatalf("write test config: %v", err)
				}
			}
			got, err := cfg.GetConfig()
			if tc.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetConfig error: %v", err)
			}
			tc.check(t, got, def)
		})
	}
}

func TestLoad_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("rpc:\n  port: 5555\n"), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	got, err := cfg.Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.RPC.Addr() != "127.0.0.1:5555" {
		t.Fatalf("want rpc 127.0.0.1:5555 got %s", got.RPC.Addr())
	}
}

func TestDefaultConfig_Paths(t *testing.T) {
	d := cfg.DefaultConfig()
	if d.Listen == nil || d.RPC == nil || d.Store == nil || d.Session == nil || d.Download == nil {
		t.Fatalf("DefaultConfig has nil sections: %#v", d)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if filepath.Dir(d.DBPath()) != d.DataDir || filepath.Dir(d.LogPath()) != d.DataDir {
		t.Fatalf("db and log must live in %s", d.DataDir)
	}
}
