// Package store is the content-addressed registry of local blobs. Entries are
// keyed by blob hash and are either Pending, while a download fills them, or
// Ready, when every block can be read from a local file.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

const stripeCount = 64

var (
	ErrExists       = errors.New("entry already exists")
	ErrBlockIndex   = errors.New("block index out of range")
	ErrBlockLength  = errors.New("block length does not match metadata")
	ErrMetaMismatch = errors.New("metadata does not hash to the entry key")
)

type State int

const (
	StatePending State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of one store entry.
type Entry struct {
	Hash         blob.Hash
	Meta         *blob.Meta
	State        State
	Deadline     time.Time // zero for Ready entries
	Path         string    // source file, or the download destination while Pending
	RegisteredAt time.Time
}

type entry struct {
	Entry

	file      *os.File
	have      []bool
	remaining int
}

type stripe struct {
	mu      sync.Mutex
	entries map[blob.Hash]*entry
	changed chan struct{}
}

// notify wakes every waiter of the stripe. Callers hold mu.
func (st *stripe) notify() {
	close(st.changed)
	st.changed = make(chan struct{})
}

type blockRef struct {
	blob  blob.Hash
	index int
}

type sourceStamp struct {
	hash    blob.Hash
	size    int64
	modTime time.Time
}

// Stats summarizes the store.
type Stats struct {
	Ready    int
	Pending  int
	Bytes    uint64
	HashJobs int64
}

// Options configures a Store.
type Options struct {
	Hasher         blob.Hasher
	BlockSize      uint32
	PendingTimeout time.Duration
	// Index persists Ready entries. Nil keeps the store in memory only.
	Index *Index
}

// Store maps blob hashes to metadata and local block data.
type Store struct {
	hasher         blob.Hasher
	blockSize      uint32
	pendingTimeout time.Duration
	index          *Index

	stripes [stripeCount]stripe

	// blocks lists every entry holding a block; identical blocks are shared
	// between blobs.
	blocksMu sync.RWMutex
	blocks   map[blob.Hash][]blockRef

	sourcesMu sync.Mutex
	sources   map[string]sourceStamp

	group    singleflight.Group
	hashJobs atomic.Int64

	now func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Hasher == nil {
		opts.Hasher = blob.DefaultHasher()
	}

	if opts.BlockSize == 0 {
		opts.BlockSize = blob.DefaultBlockSize
	}

	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 24 * time.Hour
	}

	s := &Store{
		hasher:         opts.Hasher,
		blockSize:      opts.BlockSize,
		pendingTimeout: opts.PendingTimeout,
		index:          opts.Index,
		blocks:         make(map[blob.Hash][]blockRef),
		sources:        make(map[string]sourceStamp),
		now:            time.Now,
	}

	for i := range s.stripes {
		s.stripes[i].entries = make(map[blob.Hash]*entry)
		s.stripes[i].changed = make(chan struct{})
	}

	return s
}

// Hasher returns the hash function of the store.
func (s *Store) Hasher() blob.Hasher { return s.hasher }

func (s *Store) stripe(h blob.Hash) *stripe {
	return &s.stripes[xxhash.Sum64(h[:])%stripeCount]
}

// live reports whether e is Ready or a Pending entry still inside its deadline.
func (s *Store) live(e *entry) bool {
	return e != nil && (e.State == StateReady || s.now().Before(e.Deadline))
}

// Register hashes the file at path and records it as a Ready entry labelled
// label. Registering content that is already Ready returns its hash without
// adding an entry. Concurrent calls for the same source file share one
// hashing job whatever their labels, and a repeated call for an unchanged
// source does not rehash it. The label does not enter the blob hash, so the
// first label registered is the one kept. The entry appears only once
// hashing has finished. ctx bounds how long the caller waits, not the
// shared job.
func (s *Store) Register(ctx context.Context, path, label string) (blob.Hash, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return blob.Hash{}, errors.NewIOError(err, path)
	}

	fi, err := os.Stat(abs)
	if err != nil {
		return blob.Hash{}, errors.NewIOError(err, abs)
	}

	if !fi.Mode().IsRegular() {
		return blob.Hash{}, errors.NewIOError(fmt.Errorf("%s is not a regular file", abs), abs)
	}

	if label == "" {
		label = filepath.Base(abs)
	}

	key := abs

	if h, ok := s.cachedSource(key, fi); ok {
		logger.Debugf("Register %s: unchanged source, reusing %s", abs, h)
		return h, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return s.hashSource(key, abs, label, fi)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return blob.Hash{}, res.Err
		}

		return res.Val.(blob.Hash), nil
	case <-ctx.Done():
		return blob.Hash{}, errors.NewTimeoutError(ctx.Err(), abs)
	}
}

func (s *Store) hashSource(key, abs, label string, fi os.FileInfo) (blob.Hash, error) {
	// A job for this key may have finished between the caller's cache check and DoChan.
	if h, ok := s.cachedSource(key, fi); ok {
		return h, nil
	}

	s.hashJobs.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), s.pendingTimeout)
	defer cancel()

	start := s.now()

	meta, err := blob.HashFile(ctx, abs, label, s.blockSize, s.hasher)
	if err != nil {
		if ctx.Err() != nil {
			return blob.Hash{}, errors.NewTimeoutError(err, abs)
		}

		return blob.Hash{}, errors.NewIOError(err, abs)
	}

	h := meta.Hash(s.hasher)

	logger.Infof("Hashed %s (%s, %d blocks) as %s in %s",
		abs, humanize.IBytes(meta.FileSize), len(meta.Blocks), h, s.now().Sub(start).Round(time.Millisecond))

	if err := s.insertReady(ctx, h, meta, abs); err != nil {
		return blob.Hash{}, err
	}

	s.sourcesMu.Lock()
	s.sources[key] = sourceStamp{hash: h, size: fi.Size(), modTime: fi.ModTime()}
	s.sourcesMu.Unlock()

	return h, nil
}

func (s *Store) cachedSource(key string, fi os.FileInfo) (blob.Hash, bool) {
	s.sourcesMu.Lock()
	stamp, ok := s.sources[key]
	s.sourcesMu.Unlock()

	if !ok || stamp.size != fi.Size() || !stamp.modTime.Equal(fi.ModTime()) {
		return blob.Hash{}, false
	}

	e, ok := s.Entry(stamp.hash)

	return stamp.hash, ok && e.State == StateReady
}

// insertReady adds a Ready entry for h unless one exists. A Pending entry for
// the same hash is waited on.
func (s *Store) insertReady(ctx context.Context, h blob.Hash, meta *blob.Meta, path string) error {
	st := s.stripe(h)

	for {
		st.mu.Lock()

		e := st.entries[h]
		if e != nil && !s.live(e) {
			s.dropLocked(st, e)
			e = nil
		}

		switch {
		case e == nil:
			e = &entry{Entry: Entry{
				Hash:         h,
				Meta:         meta,
				State:        StateReady,
				Path:         path,
				RegisteredAt: s.now(),
			}}
			st.entries[h] = e
			s.indexBlocks(h, meta)
			st.notify()
			snapshot := e.Entry
			st.mu.Unlock()

			s.persist(snapshot)

			return nil
		case e.State == StateReady:
			st.mu.Unlock()
			return nil
		}

		changed := st.changed
		st.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return errors.NewTimeoutError(ctx.Err(), h.String())
		}
	}
}

// Lookup returns the metadata of h. Expired Pending entries count as absent.
func (s *Store) Lookup(h blob.Hash) (*blob.Meta, error) {
	e, ok := s.Entry(h)
	if !ok {
		return nil, errors.NewNotFoundError(h.String())
	}

	return e.Meta, nil
}

// Entry returns a snapshot of the live entry for h.
func (s *Store) Entry(h blob.Hash) (Entry, bool) {
	st := s.stripe(h)

	st.mu.Lock()
	defer st.mu.Unlock()

	e := st.entries[h]
	if !s.live(e) {
		return Entry{}, false
	}

	return e.Entry, true
}

// Await blocks until h is Ready or ctx is done. An absent hash is waited for
// too, since a registration or download may still add it.
func (s *Store) Await(ctx context.Context, h blob.Hash) (Entry, error) {
	st := s.stripe(h)

	for {
		st.mu.Lock()
		e := st.entries[h]

		if e != nil && e.State == StateReady {
			snapshot := e.Entry
			st.mu.Unlock()

			return snapshot, nil
		}

		changed := st.changed
		st.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Entry{}, errors.NewNotFoundError(h.String())
		}
	}
}

// Settle waits while h is Pending. It returns the Ready entry, or false when
// h is absent or its download was dropped.
func (s *Store) Settle(ctx context.Context, h blob.Hash) (Entry, bool, error) {
	st := s.stripe(h)

	for {
		st.mu.Lock()
		e := st.entries[h]

		if !s.live(e) {
			st.mu.Unlock()
			return Entry{}, false, nil
		}

		if e.State == StateReady {
			snapshot := e.Entry
			st.mu.Unlock()

			return snapshot, true, nil
		}

		changed := st.changed
		st.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Entry{}, false, errors.NewTimeoutError(ctx.Err(), h.String())
		}
	}
}

// Begin creates a Pending entry for h whose blocks will be written to path.
// meta must hash to h. A zero deadline means now plus the pending timeout.
// If a live entry already exists Begin returns ErrExists. An existing file
// at path is never overwritten: Begin fails with an error matching
// fs.ErrExist and the caller picks another name.
func (s *Store) Begin(h blob.Hash, meta *blob.Meta, path string, deadline time.Time) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	if got := meta.Hash(s.hasher); got != h {
		return fmt.Errorf("%w: %s != %s", ErrMetaMismatch, got, h)
	}

	if deadline.IsZero() {
		deadline = s.now().Add(s.pendingTimeout)
	}

	st := s.stripe(h)

	var ready *Entry

	defer func() {
		if ready != nil {
			s.persist(*ready)
		}
	}()

	st.mu.Lock()
	defer st.mu.Unlock()

	if e := st.entries[h]; e != nil {
		if s.live(e) {
			return fmt.Errorf("%w: %s is %s", ErrExists, h, e.State)
		}

		s.dropLocked(st, e)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewIOError(err, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return errors.NewIOError(err, path)
	}

	if err := f.Truncate(int64(meta.FileSize)); err != nil {
		f.Close()
		os.Remove(path)

		return errors.NewIOError(err, path)
	}

	e := &entry{
		Entry: Entry{
			Hash:         h,
			Meta:         meta,
			State:        StatePending,
			Deadline:     deadline,
			Path:         path,
			RegisteredAt: s.now(),
		},
		file:      f,
		have:      make([]bool, len(meta.Blocks)),
		remaining: len(meta.Blocks),
	}

	st.entries[h] = e
	s.indexBlocks(h, meta)

	if e.remaining == 0 {
		if err := s.closeLocked(e); err != nil {
			s.dropLocked(st, e)
			return err
		}

		s.readyLocked(st, e)
		snapshot := e.Entry
		ready = &snapshot

		return nil
	}

	st.notify()

	return nil
}

// StoreBlock writes block index of the Pending entry h. It reports done once
// the entry is Ready, including when it was already Ready. The write that
// completes the entry rehashes the file before the entry turns Ready; a file
// that does not hash to h is removed along with the entry and a
// HashMismatchError is returned.
func (s *Store) StoreBlock(h blob.Hash, index int, data []byte) (bool, error) {
	st := s.stripe(h)

	st.mu.Lock()

	e := st.entries[h]
	if !s.live(e) {
		st.mu.Unlock()
		return false, errors.NewNotFoundError(h.String())
	}

	if e.State == StateReady {
		st.mu.Unlock()
		return true, nil
	}

	if index < 0 || index >= len(e.have) {
		st.mu.Unlock()
		return false, fmt.Errorf("%w: %d of %d", ErrBlockIndex, index, len(e.have))
	}

	if len(data) != e.Meta.BlockLen(index) {
		st.mu.Unlock()
		return false, fmt.Errorf("%w: block %d has %d bytes, want %d", ErrBlockLength, index, len(data), e.Meta.BlockLen(index))
	}

	if e.have[index] {
		st.mu.Unlock()
		return false, nil
	}

	if _, err := e.file.WriteAt(data, e.Meta.BlockOffset(index)); err != nil {
		st.mu.Unlock()
		return false, errors.NewIOError(err, e.Path)
	}

	e.have[index] = true
	e.remaining--

	if e.remaining > 0 {
		st.mu.Unlock()
		return false, nil
	}

	err := s.closeLocked(e)
	if err != nil {
		s.dropLocked(st, e)
	}
	st.mu.Unlock()

	if err != nil {
		return false, err
	}

	if err := s.seal(e); err != nil {
		return false, err
	}

	return true, nil
}

// closeLocked flushes and closes the file of a fully written Pending entry.
// The entry stays Pending until sealed.
func (s *Store) closeLocked(e *entry) error {
	f := e.file
	e.file = nil

	if err := f.Sync(); err != nil {
		f.Close()
		return errors.NewIOError(err, e.Path)
	}

	if err := f.Close(); err != nil {
		return errors.NewIOError(err, e.Path)
	}

	return nil
}

// seal rehashes the closed file of e and, if it hashes to e's blob hash,
// turns e Ready and persists it. Otherwise e is dropped and its file removed.
func (s *Store) seal(e *entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.pendingTimeout)
	defer cancel()

	meta, err := blob.HashFile(ctx, e.Path, e.Meta.FileName, e.Meta.BlockSize, s.hasher)
	if err == nil {
		if got := meta.Hash(s.hasher); got != e.Hash {
			err = errors.NewHashMismatchError(e.Hash.String(), got.String())
		}
	} else {
		err = errors.NewIOError(err, e.Path)
	}

	st := s.stripe(e.Hash)

	st.mu.Lock()

	// Aborted, expired or replaced while hashing.
	if st.entries[e.Hash] != e {
		st.mu.Unlock()
		return errors.NewNotFoundError(e.Hash.String())
	}

	if err != nil {
		logger.Errorf("Entry %s failed its final check: %v", e.Hash, err)
		s.dropLocked(st, e)
		st.mu.Unlock()

		return err
	}

	s.readyLocked(st, e)
	snapshot := e.Entry
	st.mu.Unlock()

	s.persist(snapshot)

	return nil
}

// readyLocked turns a sealed Pending entry into a Ready one.
func (s *Store) readyLocked(st *stripe, e *entry) {
	e.have = nil
	e.State = StateReady
	e.Deadline = time.Time{}
	st.notify()

	logger.Debugf("Entry %s ready at %s", e.Hash, e.Path)
}

// Abort drops the Pending entry h and removes its partial file.
func (s *Store) Abort(h blob.Hash) error {
	st := s.stripe(h)

	st.mu.Lock()
	defer st.mu.Unlock()

	e := st.entries[h]
	if e == nil || e.State != StatePending {
		return errors.NewNotFoundError(h.String())
	}

	s.dropLocked(st, e)

	return nil
}

// Evict removes the entry h in any state. The source file of a Ready entry is left alone.
func (s *Store) Evict(h blob.Hash) error {
	st := s.stripe(h)

	st.mu.Lock()
	e := st.entries[h]

	if e == nil {
		st.mu.Unlock()
		return errors.NewNotFoundError(h.String())
	}

	s.dropLocked(st, e)
	st.mu.Unlock()

	if s.index != nil {
		if err := s.index.Delete(h); err != nil {
			logger.Errorf("Failed to delete %s from index: %v", h, err)
		}
	}

	return nil
}

// dropLocked removes e from the stripe. A Pending entry's partial file is deleted.
func (s *Store) dropLocked(st *stripe, e *entry) {
	if e.State == StatePending {
		if e.file != nil {
			e.file.Close()
			e.file = nil
		}

		os.Remove(e.Path)
	}

	delete(st.entries, e.Hash)
	s.unindexBlocks(e.Hash, e.Meta)
	st.notify()
}

// Expire removes Pending entries whose deadline has passed and returns how many it removed.
func (s *Store) Expire() int {
	now := s.now()
	removed := 0

	for i := range s.stripes {
		st := &s.stripes[i]

		st.mu.Lock()
		for _, e := range st.entries {
			if e.State == StatePending && !now.Before(e.Deadline) {
				logger.Infof("Expiring pending %s (deadline %s)", e.Hash, e.Deadline.Format(time.RFC3339))
				s.dropLocked(st, e)
				removed++
			}
		}
		st.mu.Unlock()
	}

	return removed
}

// EvictOlderThan evicts Ready entries registered more than age ago.
func (s *Store) EvictOlderThan(age time.Duration) int {
	cutoff := s.now().Add(-age)

	var old []blob.Hash

	for _, e := range s.List() {
		if e.State == StateReady && e.RegisteredAt.Before(cutoff) {
			old = append(old, e.Hash)
		}
	}

	for _, h := range old {
		if err := s.Evict(h); err == nil {
			logger.Infof("Evicted share %s older than %s", h, age)
		}
	}

	return len(old)
}

// List returns snapshots of all live entries.
func (s *Store) List() []Entry {
	var out []Entry

	for i := range s.stripes {
		st := &s.stripes[i]

		st.mu.Lock()
		for _, e := range st.entries {
			if s.live(e) {
				out = append(out, e.Entry)
			}
		}
		st.mu.Unlock()
	}

	return out
}

// Stats counts the live entries and the hashing jobs run so far.
func (s *Store) Stats() Stats {
	stats := Stats{HashJobs: s.hashJobs.Load()}

	for _, e := range s.List() {
		switch e.State {
		case StateReady:
			stats.Ready++
			stats.Bytes += e.Meta.FileSize
		case StatePending:
			stats.Pending++
		}
	}

	return stats
}

// Content returns the local file holding the Ready blob h.
func (s *Store) Content(h blob.Hash) (Entry, error) {
	e, ok := s.Entry(h)
	if !ok || e.State != StateReady {
		return Entry{}, errors.NewNotFoundError(h.String())
	}

	return e, nil
}

func (s *Store) indexBlocks(h blob.Hash, meta *blob.Meta) {
	s.blocksMu.Lock()
	defer s.blocksMu.Unlock()

	for i, bh := range meta.Blocks {
		refs := s.blocks[bh]
		if len(refs) > 0 && refs[len(refs)-1].blob == h {
			// Repeated block within the same blob.
			continue
		}

		s.blocks[bh] = append(refs, blockRef{blob: h, index: i})
	}
}

func (s *Store) unindexBlocks(h blob.Hash, meta *blob.Meta) {
	s.blocksMu.Lock()
	defer s.blocksMu.Unlock()

	for _, bh := range meta.Blocks {
		refs, ok := s.blocks[bh]
		if !ok {
			continue
		}

		kept := refs[:0]
		for _, ref := range refs {
			if ref.blob != h {
				kept = append(kept, ref)
			}
		}

		if len(kept) == 0 {
			delete(s.blocks, bh)
		} else {
			s.blocks[bh] = kept
		}
	}
}

// ReadBlock returns the bytes of the block whose hash is bh, from any entry
// that holds it. Blocks of a Pending entry are served once written. Bytes
// that no longer match bh, because the source file changed, are reported as
// not found.
func (s *Store) ReadBlock(bh blob.Hash) ([]byte, error) {
	s.blocksMu.RLock()
	refs := append([]blockRef(nil), s.blocks[bh]...)
	s.blocksMu.RUnlock()

	var lastErr error

	for _, ref := range refs {
		buf, err := s.readRef(bh, ref)
		if err == nil {
			return buf, nil
		}

		if !errors.IsKind(err, errors.KindNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, errors.NewNotFoundError(bh.String())
}

func (s *Store) readRef(bh blob.Hash, ref blockRef) ([]byte, error) {
	st := s.stripe(ref.blob)

	st.mu.Lock()
	e := st.entries[ref.blob]

	if !s.live(e) || (e.State == StatePending && !e.have[ref.index]) {
		st.mu.Unlock()
		return nil, errors.NewNotFoundError(bh.String())
	}

	buf := make([]byte, e.Meta.BlockLen(ref.index))
	off := e.Meta.BlockOffset(ref.index)
	path := e.Path

	var err error
	if e.file != nil {
		_, err = e.file.ReadAt(buf, off)
		st.mu.Unlock()
	} else {
		st.mu.Unlock()
		err = readAt(path, buf, off)
	}

	if err != nil {
		return nil, errors.NewIOError(err, path)
	}

	if got := blob.SumBytes(s.hasher, buf); got != bh {
		logger.Warnf("Block %s of %s changed on disk (now %s)", bh, ref.blob, got)
		return nil, errors.NewNotFoundError(bh.String())
	}

	return buf, nil
}

func readAt(path string, buf []byte, off int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.ReadAt(buf, off)

	return err
}

// Provide answers a peer's ask: block bytes for a block hash, encoded
// metadata for a Ready blob hash.
func (s *Store) Provide(h blob.Hash) ([]byte, error) {
	data, err := s.ReadBlock(h)
	if err == nil || !errors.IsKind(err, errors.KindNotFound) {
		return data, err
	}

	e, err := s.Content(h)
	if err != nil {
		return nil, err
	}

	return blob.EncodeMeta(e.Meta)
}

func (s *Store) persist(e Entry) {
	if s.index == nil {
		return
	}

	rec := Record{Hash: e.Hash, Meta: *e.Meta, Path: e.Path, RegisteredAt: e.RegisteredAt.UnixNano()}
	if err := s.index.Put(rec); err != nil {
		logger.Errorf("Failed to persist %s: %v", e.Hash, err)
	}
}

// Load restores the Ready entries recorded in the index. Records whose file
// vanished or changed size are dropped, as are records hashed with another
// hash function than the store's. It returns the number restored.
func (s *Store) Load() (int, error) {
	if s.index == nil {
		return 0, nil
	}

	records, err := s.index.All()
	if err != nil {
		return 0, err
	}

	loaded := 0

	for _, rec := range records {
		var reason string

		fi, err := os.Stat(rec.Path)

		switch {
		case err != nil || uint64(fi.Size()) != rec.Meta.FileSize || rec.Meta.Validate() != nil:
			reason = "source " + rec.Path + " is gone or changed"
		case rec.Meta.Hash(s.hasher) != rec.Hash:
			reason = "recorded with a different hash function than " + s.hasher.Name()
		}

		if reason != "" {
			logger.Warnf("Dropping share %s: %s", rec.Hash, reason)

			if err := s.index.Delete(rec.Hash); err != nil {
				logger.Errorf("Failed to delete %s from index: %v", rec.Hash, err)
			}

			continue
		}

		meta := rec.Meta
		st := s.stripe(rec.Hash)

		st.mu.Lock()
		if _, ok := st.entries[rec.Hash]; !ok {
			st.entries[rec.Hash] = &entry{Entry: Entry{
				Hash:         rec.Hash,
				Meta:         &meta,
				State:        StateReady,
				Path:         rec.Path,
				RegisteredAt: time.Unix(0, rec.RegisteredAt),
			}}
			s.indexBlocks(rec.Hash, &meta)
			st.notify()
			loaded++
		}
		st.mu.Unlock()
	}

	logger.Infof("Loaded %d shares from index", loaded)

	return loaded, nil
}
