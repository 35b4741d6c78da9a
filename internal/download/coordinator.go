// Package download fetches a blob from a set of peers. A Coordinator resolves
// the blob's metadata, opens a Pending store entry for the destination file
// and spreads block requests over one session per peer, verifying every
// block before it is written. The store rehashes the assembled file before
// the download is reported as done. Existing files in the destination
// directory are never overwritten.
package download

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/internal/session"
	"github.com/NamanBalaji/blobxfer/internal/store"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

const (
	DefaultTimeout          = time.Hour
	DefaultMaxBlockAttempts = 16
	DefaultPeerFailureLimit = 3
	DefaultMaxRedials       = 2
	DefaultRedialDelay      = 500 * time.Millisecond

	maxRedialDelay = 30 * time.Second

	// maxNameAttempts bounds the names tried for one output file.
	maxNameAttempts = 100
)

// Options configures a Coordinator.
type Options struct {
	Store    *store.Store
	Sessions *session.Table

	Timeout          time.Duration // job deadline when a request sets none
	MaxBlockAttempts int           // failed requests per block before the job fails
	PeerFailureLimit int           // consecutive failures before a peer is deprioritized
	MaxRedials       int           // reconnects per peer after its session closes
	RedialDelay      time.Duration
}

// Request describes one download.
type Request struct {
	Target blob.Hash
	Dest   string   // destination directory
	Peers  []string // host:port candidates
	// Meta is used when neither the store nor any peer can supply it.
	Meta *blob.Meta
	// Size, when set, must equal the blob's file size.
	Size    *uint64
	Timeout time.Duration
}

// Coordinator runs download jobs against a shared store and session table.
type Coordinator struct {
	store    *store.Store
	sessions *session.Table
	opts     Options
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.MaxBlockAttempts <= 0 {
		opts.MaxBlockAttempts = DefaultMaxBlockAttempts
	}

	if opts.PeerFailureLimit <= 0 {
		opts.PeerFailureLimit = DefaultPeerFailureLimit
	}

	if opts.MaxRedials < 0 {
		opts.MaxRedials = 0
	}

	if opts.RedialDelay <= 0 {
		opts.RedialDelay = DefaultRedialDelay
	}

	return &Coordinator{store: opts.Store, sessions: opts.Sessions, opts: opts}
}

// Download fetches req.Target into req.Dest and returns the absolute paths of
// the files written. A blob that is already Ready in the store is copied
// from its local file; one that another job is fetching is waited for.
func (c *Coordinator) Download(ctx context.Context, req Request) ([]string, error) {
	if req.Dest == "" {
		return nil, errors.NewInvalidRequestError("download of %s needs a destination", req.Target)
	}

	destDir, err := filepath.Abs(req.Dest)
	if err != nil {
		return nil, errors.NewIOError(err, req.Dest)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if files, ok, err := c.fromLocal(ctx, req.Target, destDir); ok || err != nil {
		return files, err
	}

	ps := newPeerSet(uniqueAddrs(req.Peers))
	c.connect(ctx, ps)

	meta, err := c.resolveMeta(ctx, req, ps)
	if err != nil {
		return nil, err
	}

	if req.Size != nil && *req.Size != meta.FileSize {
		return nil, errors.NewInvalidRequestError("size %d does not match %s of %d bytes", *req.Size, req.Target, meta.FileSize)
	}

	deadline, _ := ctx.Deadline()

	path, err := c.begin(req.Target, meta, destDir, deadline)
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			// Registered or begun by someone else since fromLocal looked.
			if files, ok, err := c.fromLocal(ctx, req.Target, destDir); ok || err != nil {
				return files, err
			}
		}

		return nil, err
	}

	job := newJob(req.Target, meta, path)

	logger.Infof("Job %s: fetching %s (%s, %d blocks) into %s from %d peers",
		job.ID, req.Target, humanize.IBytes(meta.FileSize), len(meta.Blocks), path, len(ps.peers))

	if err := c.run(ctx, job, ps); err != nil {
		logger.Errorf("Job %s failed: %v", job.ID, err)

		if abortErr := c.store.Abort(req.Target); abortErr != nil {
			logger.Debugf("Job %s: abort: %v", job.ID, abortErr)
		}

		return nil, err
	}

	elapsed := time.Since(job.started)
	logger.Infof("Job %s: %s complete in %s (%s/s)", job.ID, req.Target, elapsed.Round(time.Millisecond), rate(meta.FileSize, elapsed))

	return []string{path}, nil
}

// begin opens the Pending entry for target under the first free name in
// destDir.
func (c *Coordinator) begin(target blob.Hash, meta *blob.Meta, destDir string, deadline time.Time) (string, error) {
	name := outputName(meta, target)

	var err error

	for n := range maxNameAttempts {
		path := filepath.Join(destDir, candidateName(name, target, n))

		err = c.store.Begin(target, meta, path, deadline)
		if !errors.Is(err, fs.ErrExist) {
			return path, err
		}
	}

	return "", err
}

// fromLocal serves the download from the store. ok is false when the blob
// is not (or no longer) in the store.
func (c *Coordinator) fromLocal(ctx context.Context, target blob.Hash, destDir string) ([]string, bool, error) {
	e, ok, err := c.store.Settle(ctx, target)
	if err != nil || !ok {
		return nil, err != nil, err
	}

	path, err := c.copyLocal(ctx, e, destDir)
	if err != nil {
		return nil, true, err
	}

	return []string{path}, true, nil
}

// copyLocal copies the Ready entry e into the first free name in destDir
// and verifies the copy. A destination already holding e's file is reused.
func (c *Coordinator) copyLocal(ctx context.Context, e store.Entry, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errors.NewIOError(err, destDir)
	}

	name := outputName(e.Meta, e.Hash)
	src := filepath.Clean(e.Path)

	var (
		path string
		dst  *os.File
		err  error
	)

	for n := range maxNameAttempts {
		path = filepath.Join(destDir, candidateName(name, e.Hash, n))
		if path == src {
			return path, nil
		}

		dst, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if !errors.Is(err, fs.ErrExist) {
			break
		}
	}

	if err != nil {
		return "", errors.NewIOError(err, path)
	}

	if err := c.copyInto(ctx, dst, e); err != nil {
		os.Remove(path)
		return "", err
	}

	logger.Infof("Copied local %s from %s to %s", e.Hash, e.Path, path)

	return path, nil
}

// copyInto writes the file of e to dst, closes dst and rehashes it.
func (c *Coordinator) copyInto(ctx context.Context, dst *os.File, e store.Entry) error {
	src, err := os.Open(e.Path)
	if err != nil {
		dst.Close()
		return errors.NewIOError(err, e.Path)
	}

	_, err = io.Copy(dst, src)
	src.Close()

	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return errors.NewIOError(err, dst.Name())
	}

	hasher := c.store.Hasher()

	meta, err := blob.HashFile(ctx, dst.Name(), e.Meta.FileName, e.Meta.BlockSize, hasher)
	if err != nil {
		return errors.NewIOError(err, dst.Name())
	}

	if got := meta.Hash(hasher); got != e.Hash {
		return errors.NewHashMismatchError(e.Hash.String(), got.String())
	}

	return nil
}

// connect opens a session to every peer concurrently. Peers that cannot be
// reached are left without a session for the scheduler to redial.
func (c *Coordinator) connect(ctx context.Context, ps *peerSet) {
	var g errgroup.Group

	for _, p := range ps.peers {
		g.Go(func() error {
			s, err := c.sessions.Acquire(ctx, p.addr)
			if err != nil {
				logger.Infof("Cannot connect to %s: %v", p.addr, err)
				return nil
			}

			p.sess = s

			return nil
		})
	}

	g.Wait()
}

// resolveMeta returns the blob's metadata: the caller's when it hashes to
// the target, otherwise the first self-verifying reply of any peer asked
// for the blob hash itself.
func (c *Coordinator) resolveMeta(ctx context.Context, req Request, ps *peerSet) (*blob.Meta, error) {
	hasher := c.store.Hasher()

	if req.Meta != nil {
		if err := req.Meta.Validate(); err != nil {
			return nil, errors.NewInvalidRequestError("metadata for %s: %v", req.Target, err)
		}

		if got := req.Meta.Hash(hasher); got != req.Target {
			return nil, errors.NewHashMismatchError(req.Target.String(), got.String())
		}

		return req.Meta, nil
	}

	type reply struct {
		meta *blob.Meta
		err  error
	}

	askCtx, cancel := context.WithCancel(ctx)

	var (
		g       errgroup.Group
		asked   int
		replies = make(chan reply, len(ps.peers))
	)

	defer func() {
		cancel()
		g.Wait()
	}()

	for _, p := range ps.peers {
		if p.sess == nil {
			continue
		}

		asked++

		g.Go(func() error {
			data, err := p.sess.Request(askCtx, req.Target)
			if err != nil {
				replies <- reply{err: err}
				return nil
			}

			meta, err := blob.DecodeMeta(data)
			if err != nil {
				replies <- reply{err: errors.NewProtocolError(err, p.addr)}
				return nil
			}

			if got := meta.Hash(hasher); got != req.Target {
				replies <- reply{err: errors.NewHashMismatchError(req.Target.String(), got.String())}
				return nil
			}

			replies <- reply{meta: meta}

			return nil
		})
	}

	var lastErr error

	for range asked {
		r := <-replies
		if r.err == nil {
			logger.Debugf("Resolved metadata of %s: %s in %d blocks", req.Target, humanize.IBytes(r.meta.FileSize), len(r.meta.Blocks))
			return r.meta, nil
		}

		lastErr = r.err
	}

	if ctx.Err() != nil {
		return nil, errors.NewTimeoutError(ctx.Err(), req.Target.String())
	}

	err := errors.NewNotFoundError(req.Target.String())
	if lastErr != nil {
		return nil, errors.WithDetails(err, map[string]any{"asked": asked, "lastError": lastErr.Error()})
	}

	return nil, err
}

// outcome is the result of an ask (index >= 0) or a redial (index < 0).
type outcome struct {
	peer  *peer
	index int
	data  []byte
	sess  *session.Session
	err   error
}

// scheduler runs the block loop of one job.
type scheduler struct {
	c       *Coordinator
	job     *Job
	ps      *peerSet
	ctx     context.Context
	results chan outcome
	g       errgroup.Group
	cursor  int
	lastErr error
	decile  int
}

func (c *Coordinator) run(ctx context.Context, job *Job, ps *peerSet) error {
	ctx, cancel := context.WithCancel(ctx)

	s := &scheduler{
		c:       c,
		job:     job,
		ps:      ps,
		ctx:     ctx,
		results: make(chan outcome, len(ps.peers)),
	}

	// Outstanding asks are abandoned, not failed: their sessions stay open.
	defer func() {
		cancel()
		s.g.Wait()
	}()

	for _, p := range ps.peers {
		if p.sess == nil {
			s.lost(p, errors.NewPeerUnavailableError(nil, p.addr))
		}
	}

	for !job.Done() {
		if ctx.Err() != nil {
			return s.interrupted()
		}

		s.assign()

		if !ps.busy() {
			return s.exhausted()
		}

		select {
		case o := <-s.results:
			if err := s.handle(o); err != nil {
				return err
			}
		case <-ctx.Done():
			return s.interrupted()
		}
	}

	return nil
}

func (s *scheduler) interrupted() error {
	if errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(fmt.Errorf("%d of %d blocks unverified", s.job.Remaining(), len(s.job.blocks)), s.job.Target.String())
	}

	return s.ctx.Err()
}

// assign hands a pending block to every idle peer that has not refused it.
func (s *scheduler) assign() {
	for _, p := range s.ps.idle() {
		i, ok := s.job.nextPending(s.cursor, p.refused)
		if !ok {
			continue
		}

		s.cursor = i + 1
		s.job.markRequested(i)
		p.busy = true
		p.lastUsed = time.Now()

		sess, want := p.sess, s.job.Meta.Blocks[i]

		s.g.Go(func() error {
			data, err := sess.Request(s.ctx, want)
			s.results <- outcome{peer: p, index: i, data: data, err: err}

			return nil
		})
	}
}

func (s *scheduler) handle(o outcome) error {
	p := o.peer
	p.busy = false

	if o.index < 0 {
		if o.err != nil {
			s.lost(p, o.err)
			return nil
		}

		p.sess = o.sess
		logger.Debugf("Job %s: reconnected to %s", s.job.ID, p.addr)

		return nil
	}

	i := o.index

	if o.err == nil {
		want := s.job.Meta.Blocks[i]
		if got := blob.SumBytes(s.c.store.Hasher(), o.data); got != want {
			o.err = errors.NewHashMismatchError(want.String(), got.String())
		}
	}

	if o.err == nil {
		if _, err := s.c.store.StoreBlock(s.job.Target, i, o.data); err != nil {
			return err
		}

		s.job.markVerified(i)
		p.failures = 0
		p.served++

		s.report()

		return nil
	}

	if s.ctx.Err() != nil {
		s.job.release(i)
		return nil
	}

	s.lastErr = o.err
	attempts := s.job.requeue(i, o.err)

	logger.Debugf("Job %s: block %d from %s failed (attempt %d/%d): %v", s.job.ID, i, p.addr, attempts, s.c.opts.MaxBlockAttempts, o.err)

	if attempts >= s.c.opts.MaxBlockAttempts {
		return blockError(s.job, i, attempts, o.err)
	}

	if errors.Is(o.err, errors.ErrSessionClosed) || closed(p.sess) {
		s.lost(p, o.err)
		return nil
	}

	if errors.Is(o.err, errors.ErrBlockUnavailable) || errors.IsKind(o.err, errors.KindHashMismatch) {
		p.refused[i] = struct{}{}
	}

	p.failures++
	if p.failures >= s.c.opts.PeerFailureLimit {
		logger.Infof("Job %s: deprioritizing %s after %d failures", s.job.ID, p.addr, p.failures)
		s.ps.demote(p)
	}

	return nil
}

// report logs progress each time another tenth of the blocks is verified.
func (s *scheduler) report() {
	blocks := len(s.job.blocks)
	if d := s.job.verified * 10 / blocks; d > s.decile {
		s.decile = d
		logger.Debugf("Job %s: %s", s.job.ID, s.job.Progress())
	}
}

// lost handles a peer whose session is gone: it is redialled after a
// backoff, or given up once its redials are spent.
func (s *scheduler) lost(p *peer, cause error) {
	p.sess = nil

	if s.ctx.Err() != nil {
		return
	}

	if p.redials >= s.c.opts.MaxRedials {
		p.dead = true
		logger.Infof("Job %s: giving up on %s: %v", s.job.ID, p.addr, cause)

		return
	}

	p.redials++
	p.busy = true
	delay := backoff(p.redials, s.c.opts.RedialDelay)

	logger.Debugf("Job %s: redialling %s in %s (%d/%d)", s.job.ID, p.addr, delay, p.redials, s.c.opts.MaxRedials)

	s.g.Go(func() error {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.ctx.Done():
			s.results <- outcome{peer: p, index: -1, err: s.ctx.Err()}
			return nil
		}

		sess, err := s.c.sessions.Acquire(s.ctx, p.addr)
		s.results <- outcome{peer: p, index: -1, sess: sess, err: err}

		return nil
	})
}

// exhausted builds the error for a job that no peer can advance.
func (s *scheduler) exhausted() error {
	i, cause := s.job.stuck()

	if s.ps.alive() && errors.IsKind(cause, errors.KindHashMismatch) {
		return cause
	}

	if cause == nil {
		cause = s.lastErr
	}

	return errors.NewPeerUnavailableError(
		fmt.Errorf("no peer can serve block %d of %s (%d left): %w", i, s.job.Target, s.job.Remaining(), orUnavailable(cause)),
		s.job.Target.String())
}

func blockError(job *Job, i, attempts int, cause error) error {
	if errors.IsKind(cause, errors.KindHashMismatch) {
		return errors.WithDetails(cause, map[string]any{"block": i, "attempts": attempts})
	}

	return errors.NewPeerUnavailableError(fmt.Errorf("block %d of %s failed %d times: %w", i, job.Target, attempts, cause), job.Target.String())
}

func closed(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

func orUnavailable(err error) error {
	if err == nil {
		return errors.ErrPeerUnavailable
	}

	return err
}

// backoff returns an exponential delay with jitter.
func backoff(attempt int, base time.Duration) time.Duration {
	delay := base * (1 << uint(attempt-1))

	jitter := time.Duration(float64(delay) * (0.75 + 0.5*rand.Float64()))
	if jitter > maxRedialDelay {
		jitter = maxRedialDelay
	}

	return jitter
}

func rate(size uint64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return humanize.IBytes(size)
	}

	return humanize.IBytes(uint64(float64(size) / elapsed.Seconds()))
}

// outputName is the file name a blob is written under in the destination
// directory: the base of its recorded name, or its hash.
func outputName(meta *blob.Meta, h blob.Hash) string {
	name := filepath.Base(filepath.Clean("/" + meta.FileName))
	if name == "/" || name == "." {
		return h.String()
	}

	return name
}

// candidateName is the n-th name tried for a blob stored as name: name
// itself, then name.<hash>, then name.<hash>.1 and so on.
func candidateName(name string, h blob.Hash, n int) string {
	switch n {
	case 0:
		return name
	case 1:
		return name + "." + h.String()
	default:
		return fmt.Sprintf("%s.%s.%d", name, h, n-1)
	}
}

// uniqueAddrs drops repeated peer addresses, keeping the first occurrence.
func uniqueAddrs(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))

	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}

		seen[a] = struct{}{}
		out = append(out, a)
	}

	return out
}
