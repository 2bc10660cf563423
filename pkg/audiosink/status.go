package audiosink

import (
	"math"
	"time"

	"github.com/drgolem/audiosink/pkg/frame"
)

// Status is a point-in-time snapshot of the sink for monitoring. Safe to
// read from a goroutine other than the caller driving the sink.
type Status struct {
	Format           frame.Format  // Chosen format, zero value before Init
	Capacity         int           // Fixed slot count
	FreeFrames       int           // Slots in the free set
	PlayingFrames    int           // Slots in the playing set
	QueuedBytes      int           // Sum of byte sizes in the playing set
	QueuedDuration   time.Duration // Playback time of the queued bytes
	AvgFrameDuration time.Duration // Adaptive per-frame duration estimate
	EnqueuedFrames   uint64        // Monotonic count of frames ever enqueued
	LastBufferedPTS  int64         // PTS of the most recently enqueued frame
	PTS              int64         // Extrapolated presentation position
	PlaySpeed        float32
	Volume           float32
	PlayRequested    bool
	EventMode        bool // True when reclamation is notification-driven
}

// Status returns a monitoring snapshot.
func (s *Sink) Status() Status {
	st := Status{
		QueuedBytes:      int(s.queuedBytes.Load()),
		AvgFrameDuration: s.AvgFrameDuration(),
		EnqueuedFrames:   s.enqueuedFrames.Load(),
		LastBufferedPTS:  s.lastBufferedPTS.Load(),
		PTS:              s.clock.Now(time.Now()),
		PlaySpeed:        s.PlaySpeed(),
		Volume:           s.Volume(),
		PlayRequested:    s.playRequested.Load(),
		EventMode:        s.eventMode,
	}
	chosen := s.chosenPtr.Load()
	pool := s.poolPtr.Load()
	if chosen != nil && pool != nil {
		st.Format = *chosen
		st.Capacity = pool.Capacity()
		st.FreeFrames = pool.FreeCount()
		st.PlayingFrames = pool.PlayingCount()
		st.QueuedDuration = chosen.BytesDuration(st.QueuedBytes)
	}
	return st
}

// FreeFrameCount returns the number of slots ready to accept data. Callers
// that must never block and never saturate a stopped sink honor this before
// Enqueue.
func (s *Sink) FreeFrameCount() int {
	pool := s.poolPtr.Load()
	if pool == nil {
		return 0
	}
	return pool.FreeCount()
}

// QueuedFrameCount returns the number of slots currently queued on the
// device.
func (s *Sink) QueuedFrameCount() int {
	pool := s.poolPtr.Load()
	if pool == nil {
		return 0
	}
	return pool.PlayingCount()
}

// FrameCapacity returns the fixed slot count chosen at Init, 0 before Init.
func (s *Sink) FrameCapacity() int {
	pool := s.poolPtr.Load()
	if pool == nil {
		return 0
	}
	return pool.Capacity()
}

// QueuedByteCount returns the sum of byte sizes of all queued frames.
func (s *Sink) QueuedByteCount() int {
	return int(s.queuedBytes.Load())
}

// QueuedDuration returns the playback time covered by the queued bytes.
func (s *Sink) QueuedDuration() time.Duration {
	chosen := s.chosenPtr.Load()
	if chosen == nil {
		return 0
	}
	return chosen.BytesDuration(int(s.queuedBytes.Load()))
}

// AvgFrameDuration returns the adaptive average frame duration estimate.
func (s *Sink) AvgFrameDuration() time.Duration {
	return time.Duration(s.avgFrameDurNs.Load())
}

// EnqueuedFrameCount returns how many frames have ever been enqueued.
func (s *Sink) EnqueuedFrameCount() uint64 {
	return s.enqueuedFrames.Load()
}

// LastBufferedPTS returns the PTS of the most recently enqueued frame, or
// frame.InvalidPTS if none.
func (s *Sink) LastBufferedPTS() int64 {
	return s.lastBufferedPTS.Load()
}

// PTSLast returns the PTS of the most recently reclaimed frame without
// extrapolation.
func (s *Sink) PTSLast() int64 {
	return s.clock.Last()
}

// PTSNow returns the extrapolated presentation position, or frame.InvalidPTS
// before the first reclamation or after a flush.
func (s *Sink) PTSNow() int64 {
	return s.clock.Now(time.Now())
}

// PlaySpeed returns the current playback rate.
func (s *Sink) PlaySpeed() float32 {
	return math.Float32frombits(s.playSpeedBits.Load())
}

// Volume returns the current playback gain.
func (s *Sink) Volume() float32 {
	return math.Float32frombits(s.volumeBits.Load())
}

// ChosenFormat returns the format accepted by Init, or false before Init.
func (s *Sink) ChosenFormat() (frame.Format, bool) {
	chosen := s.chosenPtr.Load()
	if chosen == nil {
		return frame.Format{}, false
	}
	return *chosen, true
}
