package framepool

import (
	"fmt"
	"sync/atomic"

	"github.com/drgolem/audiosink/pkg/frame"
)

// Pool owns a fixed set of frame slots, partitioned at any instant into a
// free set and a FIFO-ordered playing set. Slots migrate between the two
// rings but are never created or destroyed after construction, so
// FreeCount() + PlayingCount() equals Capacity() at every observation point.
//
// Thread safety follows the SPSC contract of the underlying rings:
//   - AcquireFree / AdmitToPlaying must only be called by the producer side
//   - RemoveOldestPlaying / ReleaseToFree must only be called by the
//     reclaiming side
//
// Counts may be read from either side.
type Pool struct {
	capacity int
	free     *ring
	playing  *ring
}

// New creates a pool with one slot per device buffer handle. All slots start
// in the free set.
func New(bufferIDs []int) *Pool {
	n := len(bufferIDs)
	p := &Pool{
		capacity: n,
		free:     newRing(uint64(n)),
		playing:  newRing(uint64(n)),
	}
	for _, id := range bufferIDs {
		p.free.put(&frame.Frame{PTS: frame.InvalidPTS, Buffer: id})
	}
	return p
}

// AcquireFree removes and returns a slot from the free set, or nil if the
// free set is empty. Non-blocking.
func (p *Pool) AcquireFree() *frame.Frame {
	return p.free.get()
}

// AdmitToPlaying appends a filled slot to the tail of the playing set.
// Reports false if the playing ring is full, which cannot happen while the
// capacity invariant holds.
func (p *Pool) AdmitToPlaying(f *frame.Frame) bool {
	return p.playing.put(f)
}

// RemoveOldestPlaying removes and returns the head of the playing set in
// admission order, or nil if nothing is playing.
func (p *Pool) RemoveOldestPlaying() *frame.Frame {
	return p.playing.get()
}

// ReleaseToFree returns a slot previously removed from the playing set to
// the free set. Reports false if the free ring is full, which cannot happen
// while the capacity invariant holds.
func (p *Pool) ReleaseToFree(f *frame.Frame) bool {
	f.PTS = frame.InvalidPTS
	f.Duration = 0
	f.ByteSize = 0
	return p.free.put(f)
}

// Capacity returns the fixed slot count chosen at construction.
func (p *Pool) Capacity() int { return p.capacity }

// FreeCount returns the number of slots currently in the free set.
func (p *Pool) FreeCount() int { return p.free.length() }

// PlayingCount returns the number of slots currently in the playing set.
func (p *Pool) PlayingCount() int { return p.playing.length() }

// CheckInvariant verifies that no slot has been lost or duplicated. A
// non-nil result indicates the pool bookkeeping has desynchronized, which is
// not recoverable.
func (p *Pool) CheckInvariant() error {
	free, playing := p.FreeCount(), p.PlayingCount()
	if free+playing != p.capacity {
		return fmt.Errorf("slot accounting broken: free %d + playing %d != capacity %d",
			free, playing, p.capacity)
	}
	return nil
}

// ring is a lock-free single-producer single-consumer ring of frame slots.
// Capacity is rounded up to the next power of 2 so position masking replaces
// modulo, same as the byte ring this package grew out of.
type ring struct {
	slots    []*frame.Frame
	size     uint64 // power of 2
	mask     uint64
	writePos atomic.Uint64
	readPos  atomic.Uint64
}

func newRing(capacity uint64) *ring {
	capacity = nextPowerOf2(capacity)
	return &ring{
		slots: make([]*frame.Frame, capacity),
		size:  capacity,
		mask:  capacity - 1,
	}
}

// put appends f. Must only be called by this ring's producer side.
func (r *ring) put(f *frame.Frame) bool {
	writePos := r.writePos.Load()
	if writePos-r.readPos.Load() == r.size {
		return false
	}
	r.slots[writePos&r.mask] = f
	r.writePos.Store(writePos + 1)
	return true
}

// get removes the oldest entry. Must only be called by this ring's consumer
// side.
func (r *ring) get() *frame.Frame {
	readPos := r.readPos.Load()
	if r.writePos.Load() == readPos {
		return nil
	}
	f := r.slots[readPos&r.mask]
	r.slots[readPos&r.mask] = nil
	r.readPos.Store(readPos + 1)
	return f
}

func (r *ring) length() int { return int(r.writePos.Load() - r.readPos.Load()) }

func nextPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
