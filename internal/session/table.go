package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
)

// ErrTableClosed is returned once CloseAll has run.
var ErrTableClosed = errors.New("session table closed")

// Table owns every live session of a node, indexed by session id. Outbound
// sessions are also indexed by the dialled address so that jobs reuse them.
// A session leaves the table when it closes.
type Table struct {
	cfg         Config
	dialTimeout time.Duration

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	byAddr   map[string]uuid.UUID
	closed   bool

	dials singleflight.Group
	wg    sync.WaitGroup
}

// NewTable creates an empty table whose sessions use cfg.
func NewTable(cfg Config, dialTimeout time.Duration) *Table {
	return &Table{
		cfg:         cfg,
		dialTimeout: dialTimeout,
		sessions:    make(map[uuid.UUID]*Session),
		byAddr:      make(map[string]uuid.UUID),
	}
}

// Acquire returns the open outbound session to addr, dialling one if needed.
// Concurrent callers for the same address share a single dial.
func (t *Table) Acquire(ctx context.Context, addr string) (*Session, error) {
	if s := t.lookupAddr(addr); s != nil {
		return s, nil
	}

	ch := t.dials.DoChan(addr, func() (any, error) {
		if s := t.lookupAddr(addr); s != nil {
			return s, nil
		}

		// The dial outlives the first caller's ctx, so joiners are not cancelled with it.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.dialTimeout+t.cfg.withDefaults().HandshakeTimeout)
		defer cancel()

		s, err := Dial(dctx, addr, t.dialTimeout, t.cfg)
		if err != nil {
			return nil, err
		}

		if err := t.add(s, addr); err != nil {
			s.Close()
			return nil, err
		}

		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctxError(ctx, addr)
	}
}

// Adopt runs the hello exchange on an accepted connection and adds the session.
func (t *Table) Adopt(ctx context.Context, conn net.Conn) (*Session, error) {
	s, err := Open(ctx, conn, t.cfg)
	if err != nil {
		return nil, err
	}

	if err := t.add(s, ""); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (t *Table) lookupAddr(addr string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.byAddr[addr]
	if !ok {
		return nil
	}

	s := t.sessions[id]
	if s == nil || s.isClosed() {
		return nil
	}

	return s
}

func (t *Table) add(s *Session, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTableClosed
	}

	t.sessions[s.ID()] = s
	if addr != "" {
		t.byAddr[addr] = s.ID()
	}

	t.wg.Add(1)

	go t.watch(s, addr)

	return nil
}

// watch removes s from the table once it closes.
func (t *Table) watch(s *Session, addr string) {
	defer t.wg.Done()

	<-s.Done()
	s.wg.Wait()

	t.mu.Lock()
	delete(t.sessions, s.ID())

	if addr != "" && t.byAddr[addr] == s.ID() {
		delete(t.byAddr, addr)
	}
	t.mu.Unlock()

	logger.Debugf("Session %s removed from table", s.ID())
}

// Get returns the session with id.
func (t *Table) Get(id uuid.UUID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[id]

	return s, ok
}

// Drop closes the session with id. The table forgets it when its goroutines exit.
func (t *Table) Drop(id uuid.UUID) {
	if s, ok := t.Get(id); ok {
		s.Close()
	}
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.sessions)
}

// List returns the live sessions.
func (t *Table) List() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}

	return out
}

// CloseAll closes every session and refuses new ones.
func (t *Table) CloseAll() {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))

	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	t.wg.Wait()
}
