package download

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/google/uuid"

	"github.com/NamanBalaji/blobxfer/internal/session"
	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

// BlockStatus is the progress of one block within a job.
type BlockStatus uint8

const (
	BlockPending BlockStatus = iota
	BlockRequested
	BlockVerified
)

func (s BlockStatus) String() string {
	switch s {
	case BlockPending:
		return "pending"
	case BlockRequested:
		return "requested"
	case BlockVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// block is one slot of the job arena, addressed by block index.
type block struct {
	status   BlockStatus
	attempts int
	lastErr  error
}

// Job tracks the blocks of one download. It is owned by the scheduling
// goroutine and is not safe for concurrent use.
type Job struct {
	ID     uuid.UUID
	Target blob.Hash
	Meta   *blob.Meta
	Dest   string

	blocks   []block
	verified int
	received uint64
	started  time.Time
}

func newJob(target blob.Hash, meta *blob.Meta, dest string) *Job {
	return &Job{
		ID:      uuid.New(),
		Target:  target,
		Meta:    meta,
		Dest:    dest,
		blocks:  make([]block, len(meta.Blocks)),
		started: time.Now(),
	}
}

// Status returns the status of block i.
func (j *Job) Status(i int) BlockStatus { return j.blocks[i].status }

// Attempts returns how many requests for block i have failed.
func (j *Job) Attempts(i int) int { return j.blocks[i].attempts }

// Done reports whether every block is verified.
func (j *Job) Done() bool { return j.verified == len(j.blocks) }

// Remaining returns the number of unverified blocks.
func (j *Job) Remaining() int { return len(j.blocks) - j.verified }

// nextPending returns the first pending block at or after from, wrapping
// around, that skip does not exclude.
func (j *Job) nextPending(from int, skip map[int]struct{}) (int, bool) {
	n := len(j.blocks)
	for k := range n {
		i := (from + k) % n
		if j.blocks[i].status != BlockPending {
			continue
		}

		if _, ok := skip[i]; !ok {
			return i, true
		}
	}

	return 0, false
}

// stuck returns the first pending block and the error of its last attempt.
func (j *Job) stuck() (int, error) {
	for i, b := range j.blocks {
		if b.status == BlockPending {
			return i, b.lastErr
		}
	}

	return -1, nil
}

func (j *Job) markRequested(i int) { j.blocks[i].status = BlockRequested }

func (j *Job) markVerified(i int) {
	if j.blocks[i].status != BlockVerified {
		j.blocks[i].status = BlockVerified
		j.verified++
		j.received += uint64(j.Meta.BlockLen(i))
	}
}

// Progress is a snapshot of a job.
type Progress struct {
	TotalSize  uint64
	Downloaded uint64
	Blocks     int
	Verified   int
	SpeedBPS   uint64
	ETA        time.Duration // -1 until a rate is known
}

// Percentage of bytes verified. An empty blob is complete.
func (p Progress) Percentage() float64 {
	if p.TotalSize == 0 {
		return 100
	}

	return float64(p.Downloaded) * 100 / float64(p.TotalSize)
}

func (p Progress) String() string {
	eta := "?"
	if p.ETA >= 0 {
		eta = p.ETA.Round(time.Second).String()
	}

	return fmt.Sprintf("%.1f%% (%s/%s, %d/%d blocks) %s/s eta %s",
		p.Percentage(), humanize.IBytes(p.Downloaded), humanize.IBytes(p.TotalSize),
		p.Verified, p.Blocks, humanize.IBytes(p.SpeedBPS), eta)
}

// Progress reports verified bytes, average speed since the job started and
// the time left at that speed.
func (j *Job) Progress() Progress {
	p := Progress{
		TotalSize:  j.Meta.FileSize,
		Downloaded: j.received,
		Blocks:     len(j.blocks),
		Verified:   j.verified,
		ETA:        -1,
	}

	if elapsed := time.Since(j.started).Seconds(); elapsed > 0 {
		p.SpeedBPS = uint64(float64(j.received) / elapsed)
	}

	if p.SpeedBPS > 0 {
		p.ETA = time.Duration(float64(p.TotalSize-p.Downloaded) / float64(p.SpeedBPS) * float64(time.Second))
	} else if p.Downloaded == p.TotalSize {
		p.ETA = 0
	}

	return p
}

// requeue puts block i back to pending after a failed attempt and returns
// the number of failed attempts so far.
func (j *Job) requeue(i int, err error) int {
	b := &j.blocks[i]
	if b.status == BlockVerified {
		return b.attempts
	}

	b.status = BlockPending
	b.attempts++
	b.lastErr = err

	return b.attempts
}

// release puts block i back to pending without counting an attempt, for
// requests abandoned because the job is ending.
func (j *Job) release(i int) {
	if j.blocks[i].status == BlockRequested {
		j.blocks[i].status = BlockPending
	}
}

// peer is one candidate address of a job and its session, if connected.
type peer struct {
	addr string
	sess *session.Session

	busy     bool // an ask or a redial is outstanding
	dead     bool
	failures int // consecutive failed requests
	redials  int
	rank     int // lower is preferred; deprioritized peers move to the back
	lastUsed time.Time
	served   int

	// refused holds the blocks this peer lacked or served corrupted.
	refused map[int]struct{}
}

func (p *peer) usable() bool {
	return !p.dead && !p.busy && p.sess != nil
}

// peerSet orders the candidate peers of a job.
type peerSet struct {
	peers    []*peer
	nextRank int
}

func newPeerSet(addrs []string) *peerSet {
	ps := &peerSet{nextRank: 1}
	for _, a := range addrs {
		ps.peers = append(ps.peers, &peer{addr: a, refused: make(map[int]struct{})})
	}

	return ps
}

// idle returns the peers that can take a request now, best first: lowest
// rank, then least recently used.
func (ps *peerSet) idle() []*peer {
	var out []*peer

	for _, p := range ps.peers {
		if p.usable() {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].rank != out[b].rank {
			return out[a].rank < out[b].rank
		}

		return out[a].lastUsed.Before(out[b].lastUsed)
	})

	return out
}

// demote moves p behind every other peer.
func (ps *peerSet) demote(p *peer) {
	p.rank = ps.nextRank
	ps.nextRank++
	p.failures = 0
}

// busy reports whether any peer has an outstanding ask or redial.
func (ps *peerSet) busy() bool {
	for _, p := range ps.peers {
		if p.busy {
			return true
		}
	}

	return false
}

// alive reports whether any peer is connected or may still be redialled.
func (ps *peerSet) alive() bool {
	for _, p := range ps.peers {
		if !p.dead {
			return true
		}
	}

	return false
}
