package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

const configFileName = "blobxfer"

// Config holds the configuration options for a node.
type Config struct {
	DataDir   string          `yaml:"dataDir,omitempty"`
	Listen    *AddrConfig     `yaml:"listen,omitempty"`
	RPC       *AddrConfig     `yaml:"rpc,omitempty"`
	Hash      string          `yaml:"hash,omitempty"`
	BlockSize uint32          `yaml:"blockSize,omitempty"`
	Store     *StoreConfig    `yaml:"store,omitempty"`
	Session   *SessionConfig  `yaml:"session,omitempty"`
	Download  *DownloadConfig `yaml:"download,omitempty"`
}

// AddrConfig is a host and port pair.
type AddrConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// Addr joins host and port.
func (a *AddrConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// StoreConfig holds the blob store timings.
type StoreConfig struct {
	SweepInterval  time.Duration `yaml:"sweepInterval,omitempty"`
	PendingTimeout time.Duration `yaml:"pendingTimeout,omitempty"`
	// ShareLifetime evicts Ready shares older than this on each sweep. Zero keeps them.
	ShareLifetime time.Duration `yaml:"shareLifetime,omitempty"`
}

// SessionConfig holds the per-connection deadlines.
type SessionConfig struct {
	DialTimeout      time.Duration `yaml:"dialTimeout,omitempty"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty"`
	RequestTimeout   time.Duration `yaml:"requestTimeout,omitempty"`
	KeepAlive        time.Duration `yaml:"keepAlive,omitempty"`
	IdleTimeout      time.Duration `yaml:"idleTimeout,omitempty"`
}

// DownloadConfig holds the retry budget of a download job.
type DownloadConfig struct {
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	MaxBlockAttempts int           `yaml:"maxBlockAttempts,omitempty"`
	PeerFailureLimit int           `yaml:"peerFailureLimit,omitempty"`
	MaxRedials       int           `yaml:"maxRedials,omitempty"`
}

// DefaultPath is $XDG_CONFIG_HOME/blobxfer.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, configFileName)
}

// GetConfig reads the configuration file at DefaultPath.
func GetConfig() (*Config, error) {
	return Load("")
}

// Load reads the configuration file at path and fills unset fields with
// defaults. A missing or empty file yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	listen := zeroOr(cfg.Listen, defaults.Listen)
	rpc := zeroOr(cfg.RPC, defaults.RPC)
	store := zeroOr(cfg.Store, defaults.Store)
	session := zeroOr(cfg.Session, defaults.Session)
	download := zeroOr(cfg.Download, defaults.Download)

	out := &Config{
		DataDir:   zeroOr(cfg.DataDir, defaults.DataDir),
		Hash:      zeroOr(cfg.Hash, defaults.Hash),
		BlockSize: zeroOr(cfg.BlockSize, defaults.BlockSize),
		Listen: &AddrConfig{
			Host: zeroOr(listen.Host, defaults.Listen.Host),
			Port: zeroOr(listen.Port, defaults.Listen.Port),
		},
		RPC: &AddrConfig{
			Host: zeroOr(rpc.Host, defaults.RPC.Host),
			Port: zeroOr(rpc.Port, defaults.RPC.Port),
		},
		Store: &StoreConfig{
			SweepInterval:  zeroOr(store.SweepInterval, defaults.Store.SweepInterval),
			PendingTimeout: zeroOr(store.PendingTimeout, defaults.Store.PendingTimeout),
			ShareLifetime:  store.ShareLifetime,
		},
		Session: &SessionConfig{
			DialTimeout:      zeroOr(session.DialTimeout, defaults.Session.DialTimeout),
			HandshakeTimeout: zeroOr(session.HandshakeTimeout, defaults.Session.HandshakeTimeout),
			RequestTimeout:   zeroOr(session.RequestTimeout, defaults.Session.RequestTimeout),
			KeepAlive:        zeroOr(session.KeepAlive, defaults.Session.KeepAlive),
			IdleTimeout:      zeroOr(session.IdleTimeout, defaults.Session.IdleTimeout),
		},
		Download: &DownloadConfig{
			Timeout:          zeroOr(download.Timeout, defaults.Download.Timeout),
			MaxBlockAttempts: zeroOr(download.MaxBlockAttempts, defaults.Download.MaxBlockAttempts),
			PeerFailureLimit: zeroOr(download.PeerFailureLimit, defaults.Download.PeerFailureLimit),
			MaxRedials:       zeroOr(download.MaxRedials, defaults.Download.MaxRedials),
		},
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}

	return out, nil
}

func DefaultConfig() Config {
	return Config{
		DataDir:   dataDir,
		Hash:      blob.SHA224,
		BlockSize: blockSize,
		Listen:    &AddrConfig{Host: listenHost, Port: listenPort},
		RPC:       &AddrConfig{Host: rpcHost, Port: rpcPort},
		Store: &StoreConfig{
			SweepInterval:  sweepInterval,
			PendingTimeout: pendingTimeout,
			ShareLifetime:  shareLifetime,
		},
		Session: &SessionConfig{
			DialTimeout:      dialTimeout,
			HandshakeTimeout: handshakeTimeout,
			RequestTimeout:   requestTimeout,
			KeepAlive:        keepAlive,
			IdleTimeout:      idleTimeout,
		},
		Download: &DownloadConfig{
			Timeout:          downloadTimeout,
			MaxBlockAttempts: maxBlockAttempts,
			PeerFailureLimit: peerFailureLimit,
			MaxRedials:       maxRedials,
		},
	}
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if _, err := blob.Lookup(c.Hash); err != nil {
		return err
	}

	if c.BlockSize == 0 || c.BlockSize > blob.MaxBlockSize {
		return fmt.Errorf("%w: blockSize %d must be in 1..%d", blob.ErrInvalidBlockSize, c.BlockSize, blob.MaxBlockSize)
	}

	for name, a := range map[string]*AddrConfig{"listen": c.Listen, "rpc": c.RPC} {
		if a.Port < 0 || a.Port > 65535 {
			return fmt.Errorf("%s port %d out of range", name, a.Port)
		}
	}

	if c.Session.KeepAlive >= c.Session.IdleTimeout {
		return fmt.Errorf("session keepAlive %s must be shorter than idleTimeout %s", c.Session.KeepAlive, c.Session.IdleTimeout)
	}

	return nil
}

// DBPath is the bbolt index file inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, configFileName+".db")
}

// LogPath is the log file inside DataDir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, configFileName+".log")
}

// DownloadsDir is where downloads land when the caller gives no destination.
func (c *Config) DownloadsDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
