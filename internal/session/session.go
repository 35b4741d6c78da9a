// Package session runs the peer protocol over one established connection.
//
// A Session is a state machine driven by the packets it sends and receives
// (see NewStateMap). After the hello exchange, one goroutine reads packets,
// a second answers the remote's asks from a Provider and a third sends
// keep-alives while the session is idle. Request issues at most one ask at a
// time and waits for the matching ask-reply.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
	DefaultKeepAlive        = 30 * time.Second
	DefaultIdleTimeout      = 120 * time.Second

	serveQueue = 4
)

var (
	ErrVersionMismatch = fmt.Errorf("%w: protocol version mismatch", wire.ErrProtocol)
	ErrExpectedHello   = fmt.Errorf("%w: expected hello", wire.ErrProtocol)
)

// Provider answers the remote's asks. An error makes the session reply with
// an empty ask-reply.
type Provider interface {
	Provide(h blob.Hash) ([]byte, error)
}

// Config holds the identity and deadlines of a session.
type Config struct {
	NodeID           wire.NodeID
	Provider         Provider
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	KeepAlive        time.Duration
	IdleTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}

	return c
}

type result struct {
	data []byte
	err  error
}

// call is one outstanding ask. ch is buffered so a reply to an abandoned
// call is dropped without blocking the reader.
type call struct {
	hash  blob.Hash
	ch    chan result
	timer *time.Timer
}

// Session is one peer connection after (or during) the hello exchange.
type Session struct {
	id       uuid.UUID
	cfg      Config
	states   StateMap
	conn     net.Conn
	addr     string
	inbound  bool
	r        *wire.Reader
	w        *wire.Writer
	wmu      sync.Mutex
	remoteID wire.NodeID

	mu      sync.Mutex // protects state and pending
	state   State
	pending *call

	slot    chan struct{}
	serveCh chan blob.Hash

	done      chan struct{}
	closeOnce sync.Once
	err       error
	wg        sync.WaitGroup
}

// Dial connects to addr and runs the hello exchange.
func Dial(ctx context.Context, addr string, dialTimeout time.Duration, cfg Config) (*Session, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewPeerUnavailableError(err, addr)
	}

	return open(ctx, conn, false, cfg)
}

// Open runs the hello exchange on an accepted connection.
func Open(ctx context.Context, conn net.Conn, cfg Config) (*Session, error) {
	return open(ctx, conn, true, cfg)
}

func open(ctx context.Context, conn net.Conn, inbound bool, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	s := &Session{
		id:      uuid.New(),
		cfg:     cfg,
		states:  NewStateMap(cfg.HandshakeTimeout, cfg.IdleTimeout, cfg.RequestTimeout),
		conn:    conn,
		addr:    conn.RemoteAddr().String(),
		inbound: inbound,
		r:       wire.NewReader(bufio.NewReader(conn)),
		w:       wire.NewWriter(conn),
		state:   StateConnecting,
		slot:    make(chan struct{}, 1),
		serveCh: make(chan blob.Hash, serveQueue),
		done:    make(chan struct{}),
	}

	if err := s.handshake(ctx); err != nil {
		s.fail(err)
		return nil, err
	}

	logger.Infof("Session %s with %s (node %s) open", s.id, s.addr, s.remoteID.Short())

	s.wg.Add(3)

	go s.readLoop()
	go s.serveLoop()
	go s.keepAliveLoop()

	return s, nil
}

// handshake sends our hello while reading the remote's, since neither side
// waits for the other before sending.
func (s *Session) handshake(ctx context.Context) error {
	if err := s.transition(EventSendHello); err != nil {
		return errors.NewProtocolError(err, s.addr)
	}

	deadline := time.Now().Add(s.states.Timeout(StateHandshaking))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.conn.SetDeadline(deadline); err != nil {
		return errors.NewIOError(err, s.addr)
	}

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	defer stop()

	writeErr := make(chan error, 1)

	go func() {
		writeErr <- s.w.WriteHello(wire.ProtoVersion, s.cfg.NodeID)
	}()

	p, err := s.r.ReadPacket()
	if err != nil {
		s.conn.Close()
		<-writeErr

		return s.classify(err, "hello")
	}

	if err := <-writeErr; err != nil {
		return s.classify(err, "hello")
	}

	if p.Op != wire.OpHello {
		return errors.NewProtocolError(fmt.Errorf("%w, got %s", ErrExpectedHello, p), s.addr)
	}

	if p.Version != wire.ProtoVersion {
		return errors.NewProtocolError(fmt.Errorf("%w: remote speaks v%d, we speak v%d", ErrVersionMismatch, p.Version, wire.ProtoVersion), s.addr)
	}

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return errors.NewIOError(err, s.addr)
	}

	s.remoteID = p.NodeID

	if err := s.transition(EventRecvHello); err != nil {
		return errors.NewProtocolError(err, s.addr)
	}

	return nil
}

func (s *Session) transition(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(ev)
}

func (s *Session) transitionLocked(ev Event) error {
	next, err := s.states.Next(s.state, ev)
	if err != nil {
		return err
	}

	if next != s.state {
		logger.Debugf("Session %s: %s --%s--> %s", s.id, s.state, ev, next)
	}

	s.state = next

	return nil
}

// classify turns a read or write failure into a TransferError.
func (s *Session) classify(err error, during string) error {
	var te *errors.TransferError
	if errors.As(err, &te) {
		return err
	}

	var ne net.Error

	switch {
	case errors.Is(err, wire.ErrProtocol):
		return errors.NewProtocolError(err, s.addr)
	case errors.As(err, &ne) && ne.Timeout():
		return errors.NewTimeoutError(fmt.Errorf("waiting for %s: %w", during, err), s.addr)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return errors.NewPeerUnavailableError(fmt.Errorf("%w: %v", errors.ErrSessionClosed, err), s.addr)
	default:
		return errors.NewPeerUnavailableError(err, s.addr)
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.fail(s.classify(err, "packet"))
			return
		}

		p, err := s.r.ReadPacket()
		if err != nil {
			s.fail(s.classify(err, "packet"))
			return
		}

		switch p.Op {
		case wire.OpNop:
			err = s.transition(EventRecvNop)
		case wire.OpAsk:
			if err = s.transition(EventRecvAsk); err == nil {
				select {
				case s.serveCh <- p.Hash:
				case <-s.done:
					return
				}
			}
		case wire.OpAskReply:
			err = s.receiveReply(p.Size)
		default:
			err = fmt.Errorf("%w: %s after handshake", ErrUnexpected, p)
		}

		if err != nil {
			s.fail(s.classify(err, p.String()))
			return
		}
	}
}

// receiveReply reads the payload announced by an ask-reply and hands it to
// the outstanding call. A reply with no call outstanding is a protocol error.
func (s *Session) receiveReply(size uint32) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return err
	}

	buf := make([]byte, size)
	if err := s.r.ReadPayload(buf); err != nil {
		return err
	}

	s.mu.Lock()

	if err := s.transitionLocked(EventRecvReply); err != nil {
		s.mu.Unlock()
		return err
	}

	c := s.pending
	s.pending = nil
	s.mu.Unlock()

	c.timer.Stop()

	res := result{data: buf}
	if size == 0 {
		res = result{err: fmt.Errorf("%w: %s from %s", errors.ErrBlockUnavailable, c.hash, s.addr)}
	}

	c.ch <- res
	<-s.slot

	return nil
}

func (s *Session) serveLoop() {
	defer s.wg.Done()

	for {
		select {
		case h := <-s.serveCh:
			if err := s.serve(h); err != nil {
				s.fail(s.classify(err, "ask-reply write"))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) serve(h blob.Hash) error {
	var data []byte

	if s.cfg.Provider != nil {
		var err error

		data, err = s.cfg.Provider.Provide(h)
		if err != nil {
			logger.Debugf("Session %s: cannot serve %s: %v", s.id, h, err)
			data = nil
		}
	}

	if len(data) >= wire.MaxPacketSize {
		logger.Warnf("Session %s: %s is %s, too large for one reply", s.id, h, humanize.IBytes(uint64(len(data))))
		data = nil
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return err
	}

	return s.w.WriteAskReply(data)
}

func (s *Session) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sendNop(); err != nil {
				s.fail(s.classify(err, "nop write"))
				return
			}
		case <-s.done:
			return
		}
	}
}

// sendNop writes a keep-alive when idle and does nothing otherwise.
func (s *Session) sendNop() error {
	s.mu.Lock()
	idle := s.state == StateIdle
	s.mu.Unlock()

	if !idle {
		return nil
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return err
	}

	return s.w.WriteNop()
}

// Request asks the remote for h and returns the reply payload. Only one ask
// is outstanding per session; concurrent callers queue. If ctx ends first the
// ask stays outstanding, its late reply is discarded and the session returns
// to Idle. If the remote does not reply within the request timeout the
// session is closed. An empty reply fails with ErrBlockUnavailable and
// leaves the session usable.
func (s *Session) Request(ctx context.Context, h blob.Hash) ([]byte, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctxError(ctx, s.addr)
	case <-s.done:
		return nil, s.closedError()
	}

	c := &call{hash: h, ch: make(chan result, 1)}

	s.mu.Lock()

	if err := s.transitionLocked(EventSendAsk); err != nil {
		s.mu.Unlock()
		<-s.slot

		if s.isClosed() {
			return nil, s.closedError()
		}

		return nil, errors.NewProtocolError(err, s.addr)
	}

	s.pending = c
	c.timer = time.AfterFunc(s.cfg.RequestTimeout, func() { s.expire(c) })
	s.mu.Unlock()

	s.wmu.Lock()
	err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	if err == nil {
		err = s.w.WriteAsk(h)
	}
	s.wmu.Unlock()

	if err != nil {
		err = s.classify(err, "ask write")
		s.fail(err)

		return nil, err
	}

	select {
	case res := <-c.ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctxError(ctx, s.addr)
	}
}

// expire closes the session when c is still unanswered after the request timeout.
func (s *Session) expire(c *call) {
	s.mu.Lock()
	stale := s.pending == c
	s.mu.Unlock()

	if stale {
		s.fail(errors.NewTimeoutError(fmt.Errorf("no ask-reply for %s within %s", c.hash, s.cfg.RequestTimeout), s.addr))
	}
}

func ctxError(ctx context.Context, resource string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(ctx.Err(), resource)
	}

	return ctx.Err()
}

// fail closes the session once, recording err as the cause and failing the
// outstanding call.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.state = StateClosed
		c := s.pending
		s.pending = nil
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()

		if c != nil {
			if c.timer != nil {
				c.timer.Stop()
			}

			c.ch <- result{err: s.closedError()}
		}

		if err == errors.ErrSessionClosed {
			logger.Debugf("Session %s with %s closed", s.id, s.addr)
		} else {
			logger.Infof("Session %s with %s closed: %v", s.id, s.addr, err)
		}
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// closedError wraps the close cause so callers can requeue the block elsewhere.
func (s *Session) closedError() error {
	s.mu.Lock()
	cause := s.err
	s.mu.Unlock()

	if errors.Is(cause, errors.ErrSessionClosed) {
		return cause
	}

	return fmt.Errorf("%w: %w", errors.ErrSessionClosed, cause)
}

// Close closes the connection and waits for the session goroutines.
func (s *Session) Close() error {
	s.fail(errors.ErrSessionClosed)
	s.wg.Wait()

	return nil
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) ID() uuid.UUID         { return s.id }
func (s *Session) RemoteID() wire.NodeID { return s.remoteID }
func (s *Session) RemoteAddr() string    { return s.addr }
func (s *Session) Inbound() bool         { return s.inbound }
