// Package node assembles a running peer: the persistent index, the blob
// store, the session table with its TCP listener, the expiry sweeper and the
// download coordinator. Its exported methods are the control operations.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NamanBalaji/blobxfer/internal/config"
	"github.com/NamanBalaji/blobxfer/internal/download"
	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/internal/session"
	"github.com/NamanBalaji/blobxfer/internal/store"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

// Version is reported by the id command. Release builds set it with -ldflags.
var Version = "0.1.0"

// Address is where the node accepts peer connections.
type Address struct {
	Host string
	Port int
}

// DownloadRequest is a download as received from the control API.
type DownloadRequest struct {
	Hash    string
	Dest    string
	Peers   []string // host:port
	Size    *uint64
	Timeout time.Duration
}

type Node struct {
	mu sync.Mutex

	cfg      *config.Config
	id       wire.NodeID
	index    *store.Index
	store    *store.Store
	sessions *session.Table
	coord    *download.Coordinator
	ln       net.Listener

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	running bool
}

// runTask runs a function in a goroutine tracked by the WaitGroup
func (n *Node) runTask(task func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		task()
	}()
}

// New opens the index under cfg.DataDir and builds the node. Nothing listens
// until Start.
func New(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}

	hasher, err := blob.Lookup(cfg.Hash)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	index, err := store.OpenIndex(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	id, err := index.NodeID()
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("failed to read node id: %w", err)
	}

	st := store.New(store.Options{
		Hasher:         hasher,
		BlockSize:      cfg.BlockSize,
		PendingTimeout: cfg.Store.PendingTimeout,
		Index:          index,
	})

	sessions := session.NewTable(session.Config{
		NodeID:           id,
		Provider:         st,
		HandshakeTimeout: cfg.Session.HandshakeTimeout,
		RequestTimeout:   cfg.Session.RequestTimeout,
		KeepAlive:        cfg.Session.KeepAlive,
		IdleTimeout:      cfg.Session.IdleTimeout,
	}, cfg.Session.DialTimeout)

	coord := download.New(download.Options{
		Store:            st,
		Sessions:         sessions,
		Timeout:          cfg.Download.Timeout,
		MaxBlockAttempts: cfg.Download.MaxBlockAttempts,
		PeerFailureLimit: cfg.Download.PeerFailureLimit,
		MaxRedials:       cfg.Download.MaxRedials,
	})

	ctx, cancelFunc := context.WithCancel(context.Background())

	return &Node{
		cfg:        cfg,
		id:         id,
		index:      index,
		store:      st,
		sessions:   sessions,
		coord:      coord,
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}, nil
}

// Start restores the persisted shares, starts listening for peers and starts the sweeper.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	restored, err := n.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load shares: %w", err)
	}

	ln, err := net.Listen("tcp", n.cfg.Listen.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen.Addr(), err)
	}

	n.ln = ln
	n.running = true

	n.runTask(n.acceptLoop)
	n.runTask(n.sweepLoop)

	logger.Infof("[STARTED] blobxfer %s node %s on %s, %d shares restored", Version, n.id, ln.Addr(), restored)

	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if n.ctx.Err() == nil {
				logger.Errorf("Accept failed: %v", err)
			}

			return
		}

		n.runTask(func() {
			if _, err := n.sessions.Adopt(n.ctx, conn); err != nil {
				logger.Infof("Rejected peer %s: %v", conn.RemoteAddr(), err)
				conn.Close()
			}
		})
	}
}

func (n *Node) sweepLoop() {
	interval := n.cfg.Store.SweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.Sweep()
		case <-n.ctx.Done():
			return
		}
	}
}

// Sweep drops expired downloads and, when a share lifetime is configured, old shares.
func (n *Node) Sweep() (expired, evicted int) {
	expired = n.store.Expire()

	if lifetime := n.cfg.Store.ShareLifetime; lifetime > 0 {
		evicted = n.store.EvictOlderThan(lifetime)
	}

	stats := n.store.Stats()
	logger.Infof("Sweep: %d expired, %d evicted; %d ready (%s), %d pending, %d sessions",
		expired, evicted, stats.Ready, humanize.IBytes(stats.Bytes), stats.Pending, n.sessions.Count())

	return expired, evicted
}

// Shutdown stops listening, closes every session and the index.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.cancelFunc()

	if n.ln != nil {
		n.ln.Close()
	}

	n.sessions.CloseAll()
	n.wg.Wait()

	n.running = false

	if err := n.index.Close(); err != nil {
		return fmt.Errorf("failed to close index: %w", err)
	}

	logger.Infof("Node %s stopped", n.id)

	return nil
}

// ID returns the node identity presented in hello.
func (n *Node) ID() wire.NodeID { return n.id }

// Addresses returns the peer listener address. The port is the bound one,
// which differs from the configured port when that was 0.
func (n *Node) Addresses() Address {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := Address{Host: n.cfg.Listen.Host, Port: n.cfg.Listen.Port}
	if tcp, ok := n.listenAddr().(*net.TCPAddr); ok {
		addr.Port = tcp.Port
	}

	return addr
}

func (n *Node) listenAddr() net.Addr {
	if n.ln == nil {
		return nil
	}

	return n.ln.Addr()
}

// Upload shares the single file in files, keyed by path with its label as
// value, and returns its blob hash. A positive timeout bounds hashing.
func (n *Node) Upload(ctx context.Context, files map[string]string, timeout time.Duration) (blob.Hash, error) {
	if len(files) != 1 {
		return blob.Hash{}, errors.NewInvalidRequestError("upload takes exactly one file, got %d", len(files))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var path, label string
	for p, l := range files {
		path, label = p, l
	}

	h, err := n.store.Register(ctx, path, label)
	if err != nil {
		return blob.Hash{}, err
	}

	logger.Infof("Sharing %s as %s", path, h)

	return h, nil
}

// CheckKey reports whether hash is a Ready share. With a positive timeout it
// waits up to that long for a registration or download to finish.
func (n *Node) CheckKey(ctx context.Context, hash string, timeout time.Duration) (blob.Hash, error) {
	h, err := blob.ParseHash(strings.TrimSpace(hash))
	if err != nil {
		return blob.Hash{}, errors.NewNotFoundError(hash)
	}

	if timeout <= 0 {
		_, err = n.store.Content(h)
	} else {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		_, err = n.store.Await(ctx, h)
	}

	if err != nil {
		// Name the hash as the caller spelled it.
		return blob.Hash{}, errors.NewNotFoundError(hash)
	}

	return h, nil
}

// Download fetches a blob from the given peers into req.Dest.
func (n *Node) Download(ctx context.Context, req DownloadRequest) ([]string, error) {
	h, err := blob.ParseHash(strings.TrimSpace(req.Hash))
	if err != nil {
		return nil, errors.NewInvalidRequestError("bad hash %q: %v", req.Hash, err)
	}

	// Jobs end with the node.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()

	return n.coord.Download(ctx, download.Request{
		Target:  h,
		Dest:    req.Dest,
		Peers:   req.Peers,
		Size:    req.Size,
		Timeout: req.Timeout,
	})
}

// Stats summarizes the store.
func (n *Node) Stats() store.Stats { return n.store.Stats() }

// Store returns the node's blob store.
func (n *Node) Store() *store.Store { return n.store }
