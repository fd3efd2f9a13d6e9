// Package frames carries the high-frequency preview frame stream. It is
// deliberately decoupled from the key/value broadcaster: frames are "latest
// value only" and are polled, never queued.
package frames

import (
	"sync/atomic"

	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/metrics"
)

// readAttempts bounds how often TryReadLatest retries after catching the
// writer mid-update before reporting "not ready".
const readAttempts = 3

// Slot is a single shared frame slot guarded by a sequence number instead
// of a mutex: the writer must never block on a slow reader.
//
// The handshake: seq is incremented to an odd value before the region is
// touched and to an even value after. Readers snapshot seq, copy the
// region out, and re-check seq; any change means the copy may be torn and
// is discarded. This is the one place in the process where memory is
// genuinely written and read concurrently.
//
// Publish is single-writer. TryReadLatest may be called from any number of
// goroutines.
type Slot struct {
	seq    atomic.Uint64
	region atomic.Pointer[region]
}

type region struct {
	n   int
	buf []byte
}

// Frame is one frame copied out of the slot. Buf is pool-owned; the caller
// must release it exactly once when done transmitting.
type Frame struct {
	Seq uint64
	Buf *bufpool.Buffer
}

func NewSlot() *Slot {
	return &Slot{}
}

// Publish overwrites the slot with frame. It never blocks and never waits
// for readers; a reader mid-copy detects the overwrite via the sequence
// check and retries or gives up.
func (s *Slot) Publish(frame []byte) {
	r := s.region.Load()
	if r == nil || cap(r.buf) < len(frame) {
		grown := len(frame)
		if r != nil && 2*cap(r.buf) > grown {
			grown = 2 * cap(r.buf)
		}
		r = &region{buf: make([]byte, grown)}
	}

	s.seq.Add(1) // odd: write in progress
	copy(r.buf[:len(frame)], frame)
	r.n = len(frame)
	s.region.Store(r)
	s.seq.Add(1) // even: stable

	metrics.FramesPublishedTotal.Inc()
	metrics.FrameBytes.Observe(float64(len(frame)))
}

// TryReadLatest copies the newest stable frame into a pool buffer. It never
// blocks: if nothing has been published yet, or the writer keeps
// invalidating the copy, it reports not ready. The returned sequence number
// increases by one per published frame.
func (s *Slot) TryReadLatest(pool *bufpool.Pool) (Frame, bool) {
	for range readAttempts {
		start := s.seq.Load()
		if start == 0 {
			return Frame{}, false // nothing published yet
		}
		if start%2 == 1 {
			continue // writer mid-update
		}

		r := s.region.Load()
		n := r.n
		buf := pool.Get(n)
		copy(buf.Bytes(), r.buf[:n])

		if s.seq.Load() == start {
			return Frame{Seq: start / 2, Buf: buf}, true
		}
		buf.Release() // torn copy, retry
	}
	return Frame{}, false
}

// Seq returns the number of frames published so far.
func (s *Slot) Seq() uint64 {
	return s.seq.Load() / 2
}
