// Package audiosink streams time-stamped PCM frames into a fixed-capacity
// device playback queue, reclaiming consumed buffer slots as the device
// reports completion, and exposes a presentation clock plus transport
// controls (play/pause/stop/flush, speed, volume).
//
// The public surface is intended for a single caller goroutine and is not
// reentrant. The only concurrent activity is the device's completion
// callback, which touches nothing but the reclaimer's accumulated counter.
package audiosink

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/drgolem/audiosink/pkg/device"
	"github.com/drgolem/audiosink/pkg/frame"
	"github.com/drgolem/audiosink/pkg/framepool"
)

const (
	// DefaultFrameDuration is assumed when Init gets a frame duration hint
	// below 1ms.
	DefaultFrameDuration = 32 * time.Millisecond

	// DefaultQueueDuration is assumed when Init gets a non-positive queue
	// duration.
	DefaultQueueDuration = 1024 * time.Millisecond

	// MaxChannels is the hard channel-count ceiling.
	MaxChannels = 8
)

// Config holds sink construction options.
type Config struct {
	// ChannelLimit caps the channel count accepted by IsSupported and
	// Init, clamped to [1, MaxChannels].
	ChannelLimit int

	// Logger for sink diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

// DefaultConfig returns the default sink configuration.
func DefaultConfig() Config {
	return Config{ChannelLimit: MaxChannels}
}

// Sink streams audio frames to a playback device.
type Sink struct {
	dev device.Device
	log *slog.Logger

	available    bool
	channelLimit int

	chosen    *frame.Format
	devFormat device.DeviceFormat

	pool      *framepool.Pool
	bufferIDs []device.BufferID
	voiceUp   bool

	clock     *Clock
	reclaimer reclaimer
	eventMode bool

	// Shared with the completion callback goroutine and the Status reader.
	// chosenPtr and poolPtr shadow chosen and pool for lock-free readers.
	chosenPtr       atomic.Pointer[frame.Format]
	poolPtr         atomic.Pointer[framepool.Pool]
	queuedBytes     atomic.Int64
	lastBufferedPTS atomic.Int64
	playRequested   atomic.Bool
	enqueuedFrames  atomic.Uint64
	avgFrameDurNs   atomic.Int64
	playSpeedBits   atomic.Uint32
	volumeBits      atomic.Uint32
}

// New opens the device and returns an uninitialized sink. Init must be
// called with a format before data can be enqueued.
func New(dev device.Device, cfg Config) (*Sink, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChannelLimit < 1 {
		cfg.ChannelLimit = 1
	} else if cfg.ChannelLimit > MaxChannels {
		cfg.ChannelLimit = MaxChannels
	}
	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	s := &Sink{
		dev:          dev,
		log:          cfg.Logger,
		available:    true,
		channelLimit: cfg.ChannelLimit,
	}
	s.playSpeedBits.Store(math.Float32bits(1.0))
	s.volumeBits.Store(math.Float32bits(1.0))
	s.lastBufferedPTS.Store(frame.InvalidPTS)
	s.clock = NewClock(func() float32 {
		if s.playRequested.Load() {
			return s.PlaySpeed()
		}
		return 0
	})
	return s, nil
}

// SetChannelLimit caps the channel count accepted from here on, clamped to
// [1, MaxChannels]. It does not affect an already chosen format.
func (s *Sink) SetChannelLimit(cc int) {
	if cc < 1 {
		cc = 1
	} else if cc > MaxChannels {
		cc = MaxChannels
	}
	s.channelLimit = cc
}

// IsSupported reports whether Init would accept the format.
func (s *Sink) IsSupported(f frame.Format) bool {
	if !s.available {
		return false
	}
	if f.Channels < 1 || f.Channels > s.channelLimit {
		return false
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	_, err := s.dev.NegotiateFormat(f)
	return err == nil
}

// PreferredFormat returns the device-native format limited to the current
// channel ceiling.
func (s *Sink) PreferredFormat() frame.Format {
	f := s.dev.NativeFormat()
	if f.Channels > s.channelLimit {
		f.Channels = s.channelLimit
	}
	return f
}

// Init negotiates the format with the device and allocates the slot pool.
// The pool capacity is queueDuration / frameDuration, fixed until the next
// Init. frameDuration below 1ms falls back to DefaultFrameDuration,
// non-positive queueDuration to DefaultQueueDuration. A previous
// initialization is torn down first.
func (s *Sink) Init(requested frame.Format, frameDuration, queueDuration time.Duration) error {
	if !s.available {
		return ErrNotInitialized
	}
	if requested.Channels < 1 || requested.Channels > s.channelLimit {
		return fmt.Errorf("%w: %d channels (limit %d)", device.ErrUnsupportedFormat,
			requested.Channels, s.channelLimit)
	}
	if frameDuration < time.Millisecond {
		frameDuration = DefaultFrameDuration
	}
	if queueDuration <= 0 {
		queueDuration = DefaultQueueDuration
	}

	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()

	df, err := s.dev.NegotiateFormat(requested)
	if err != nil {
		return fmt.Errorf("negotiate %s: %w", requested, err)
	}

	s.teardownLocked()

	if err := s.dev.CreateVoice(); err != nil {
		return fmt.Errorf("create voice: %w", err)
	}
	s.voiceUp = true

	frameCount := requested.FrameCount(queueDuration, frameDuration)
	ids, err := s.dev.AllocateBuffers(frameCount)
	if err != nil {
		s.dev.DestroyVoice()
		s.voiceUp = false
		return fmt.Errorf("allocate %d buffers: %w", frameCount, err)
	}
	s.bufferIDs = ids
	s.pool = framepool.New(ids)

	ev := newEventReclaimer(s.dev, &s.queuedBytes)
	if err := s.dev.RegisterCompletionCallback(ev.onCompleted); err == nil {
		s.reclaimer = ev
		s.eventMode = true
	} else {
		if !errors.Is(err, device.ErrNoCompletionEvents) {
			s.log.Warn("Completion callback registration failed, polling instead", "error", err)
		}
		s.reclaimer = newPollReclaimer(s.dev, &s.queuedBytes, s.AvgFrameDuration)
		s.eventMode = false
	}

	chosen := requested
	s.chosen = &chosen
	s.chosenPtr.Store(&chosen)
	s.poolPtr.Store(s.pool)
	s.devFormat = df
	s.queuedBytes.Store(0)
	s.lastBufferedPTS.Store(frame.InvalidPTS)
	s.clock.Reset()

	avg := s.dev.Latency()
	if avg <= 0 {
		avg = frameDuration
	}
	s.avgFrameDurNs.Store(int64(avg))

	s.log.Info("Sink initialized",
		"format", requested.String(),
		"frame_count", frameCount,
		"frame_duration", frameDuration,
		"queue_duration", queueDuration,
		"event_mode", s.eventMode)
	return nil
}

// teardownLocked releases the voice and buffers of a previous Init, if any.
// Device errors are logged and do not stop the teardown.
func (s *Sink) teardownLocked() {
	if s.pool == nil && !s.voiceUp {
		return
	}
	s.dev.UnregisterCompletionCallback()
	if err := s.stopLocked(); err != nil {
		s.log.Warn("Failed to stop transport during teardown", "error", err)
	}
	if s.voiceUp {
		if err := s.dev.DestroyVoice(); err != nil {
			s.log.Warn("Failed to destroy voice", "error", err)
		}
		s.voiceUp = false
	}
	if len(s.bufferIDs) > 0 {
		if err := s.dev.ReleaseBuffers(s.bufferIDs); err != nil {
			s.log.Warn("Failed to release device buffers", "error", err)
		}
		s.bufferIDs = nil
	}
	s.pool = nil
	s.reclaimer = nil
	s.chosen = nil
	s.chosenPtr.Store(nil)
	s.poolPtr.Store(nil)
	s.queuedBytes.Store(0)
}

// Destroy tears the sink down and closes the device. Transient device errors
// are logged and do not prevent teardown from completing.
func (s *Sink) Destroy() error {
	if !s.available {
		return nil
	}
	s.available = false
	s.dev.AcquireContext()
	s.teardownLocked()
	s.dev.ReleaseContext()
	if err := s.dev.Close(); err != nil {
		s.log.Warn("Failed to close device", "error", err)
	}
	return nil
}

// Enqueue stamps a free slot with pts and data, submits it to the device and
// admits it to the playing set, reclaiming consumed slots first as needed.
// Backpressure is absorbed internally: when no slot is free and playback is
// running, Enqueue blocks until the device finishes enough queued audio. It
// never blocks when playback is not running; a caller that fills a stopped
// sink beyond FreeFrameCount gets an ErrInternal instead of a deadlock.
//
// The returned Frame is a snapshot of the enqueued slot's bookkeeping; the
// slot itself stays owned by the sink.
func (s *Sink) Enqueue(pts int64, data []byte) (frame.Frame, error) {
	if !s.available || s.chosen == nil {
		return frame.Frame{}, ErrNotInitialized
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()

	needed := s.chosen.BytesDuration(len(data))
	playing := s.pool.PlayingCount()

	// 1) Refresh the average frame duration. Below 3 playing frames the
	// quotient is too noisy to be worth anything.
	if playing > 2 {
		queued := s.chosen.BytesDuration(int(s.queuedBytes.Load()))
		s.avgFrameDurNs.Store(int64(queued) / int64(playing))
	}

	// 2) Opportunistic reclaim without waiting.
	if s.pool.FreeCount() == 0 || playing > 2 {
		if _, err := s.reclaim(false, 1); err != nil {
			return frame.Frame{}, err
		}
	}

	// 3) Hard reclaim with wait, only possible while actually playing.
	if s.pool.FreeCount() == 0 && s.transportPlayingLocked() {
		req := s.pool.PlayingCount() / 3
		if req < 1 {
			req = 1
		}
		if _, err := s.reclaim(true, req); err != nil {
			return frame.Frame{}, err
		}
	}

	// 4) Fill a free slot and hand it to the device.
	slot := s.pool.AcquireFree()
	if slot == nil {
		return frame.Frame{}, fmt.Errorf("%w: no free slot after reclamation (free %d, playing %d, capacity %d)",
			ErrInternal, s.pool.FreeCount(), s.pool.PlayingCount(), s.pool.Capacity())
	}
	slot.PTS = pts
	slot.Duration = needed
	slot.ByteSize = len(data)
	// Submit before admitting: a slot the device refused must go back to
	// the free set, never into the playing FIFO.
	if err := s.dev.SubmitBuffer(slot.Buffer, s.devFormat, s.chosen.SampleRate, data); err != nil {
		s.pool.ReleaseToFree(slot)
		return frame.Frame{}, fmt.Errorf("submit buffer %d: %w", slot.Buffer, err)
	}
	if !s.pool.AdmitToPlaying(slot) {
		return frame.Frame{}, fmt.Errorf("%w: playing set rejected slot %d", ErrInternal, slot.Buffer)
	}
	s.lastBufferedPTS.Store(pts)
	s.queuedBytes.Add(int64(len(data)))
	s.enqueuedFrames.Add(1)

	// 5) Auto-resume: recovers from underrun-induced stalls without an
	// explicit caller action.
	if err := s.resumeLocked(); err != nil {
		return frame.Frame{}, fmt.Errorf("resume transport: %w", err)
	}
	return *slot, nil
}

// UpdateQueue performs one non-blocking reclamation pass, returning consumed
// slots to the free set, and reports the advanced presentation position
// (frame.InvalidPTS before the first reclaimed frame).
func (s *Sink) UpdateQueue() (int64, error) {
	if !s.available || s.chosen == nil {
		return frame.InvalidPTS, ErrNotInitialized
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	if _, err := s.reclaim(false, 1); err != nil {
		return frame.InvalidPTS, err
	}
	return s.clock.Now(time.Now()), nil
}

// reclaim drains up to req consumed slots from the playing set. Each removed
// slot's buffer handle must match what the device reports unqueued at that
// position; a mismatch means the FIFO bookkeeping has lost sync with the
// device and is fatal.
func (s *Sink) reclaim(wait bool, req int) (int, error) {
	released := s.reclaimer.await(wait, req)
	if released <= 0 {
		return 0, nil
	}
	ids, err := s.dev.UnqueueBuffers(released)
	if err != nil {
		return 0, fmt.Errorf("unqueue %d buffers: %w", released, err)
	}
	if len(ids) != released {
		return 0, fmt.Errorf("%w: device unqueued %d of %d requested buffers",
			ErrInternal, len(ids), released)
	}
	now := time.Now()
	for i := 0; i < released; i++ {
		slot := s.pool.RemoveOldestPlaying()
		if slot == nil {
			return 0, fmt.Errorf("%w: playing set empty, device released %d more", ErrInternal, released-i)
		}
		if slot.Buffer != ids[i] {
			return 0, fmt.Errorf("%w: buffer handle mismatch at position %d: device %d, slot %d",
				ErrInternal, i, ids[i], slot.Buffer)
		}
		s.queuedBytes.Add(-int64(slot.ByteSize))
		s.clock.Set(now, slot.PTS)
		if !s.pool.ReleaseToFree(slot) {
			return 0, fmt.Errorf("%w: free set rejected slot %d", ErrInternal, slot.Buffer)
		}
	}
	s.log.Debug("Reclaimed slots",
		"released", released, "requested", req,
		"free", s.pool.FreeCount(), "playing", s.pool.PlayingCount())
	return released, nil
}

// Play requests playback and starts the device transport if it is not
// already playing.
func (s *Sink) Play() error {
	if !s.available || s.chosen == nil {
		return ErrNotInitialized
	}
	s.playRequested.Store(true)
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	return s.resumeLocked()
}

// Pause pauses the device transport, but only if it is actually playing.
func (s *Sink) Pause() error {
	if !s.available || s.chosen == nil {
		return ErrNotInitialized
	}
	if !s.playRequested.Load() {
		return nil
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	if s.dev.TransportState() != device.StatePlaying {
		return nil
	}
	s.playRequested.Store(false)
	return s.dev.Pause()
}

// Stop unconditionally clears the play request and stops the transport.
func (s *Sink) Stop() error {
	if !s.available || s.chosen == nil {
		return ErrNotInitialized
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	return s.stopLocked()
}

// Flush stops the transport and force-reclaims every playing slot without
// waiting for device acknowledgment, leaving the pool entirely free and the
// clock invalid.
func (s *Sink) Flush() error {
	if !s.available || s.chosen == nil {
		return ErrNotInitialized
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	if err := s.stopLocked(); err != nil {
		return fmt.Errorf("stop transport: %w", err)
	}
	if n := s.pool.PlayingCount(); n > 0 {
		if _, err := s.dev.UnqueueBuffers(n); err != nil {
			s.log.Warn("Forced unqueue failed", "buffers", n, "error", err)
		}
	}
	for {
		slot := s.pool.RemoveOldestPlaying()
		if slot == nil {
			break
		}
		if !s.pool.ReleaseToFree(slot) {
			return fmt.Errorf("%w: free set rejected slot %d during flush", ErrInternal, slot.Buffer)
		}
	}
	s.queuedBytes.Store(0)
	s.lastBufferedPTS.Store(frame.InvalidPTS)
	s.clock.Reset()
	if s.pool.FreeCount() != s.pool.Capacity() || s.pool.PlayingCount() != 0 {
		return fmt.Errorf("%w: flush left free %d, playing %d, capacity %d",
			ErrInternal, s.pool.FreeCount(), s.pool.PlayingCount(), s.pool.Capacity())
	}
	return nil
}

// SetPlaySpeed sets the playback rate. Rates within 0.01 of 1.0 snap to
// exactly 1.0; rates outside [0.5, 2.0] are rejected and leave the previous
// speed unchanged.
func (s *Sink) SetPlaySpeed(rate float32) error {
	if !s.available || s.chosen == nil {
		return ErrNotInitialized
	}
	if math.Abs(float64(1.0-rate)) < 0.01 {
		rate = 1.0
	}
	if rate < 0.5 || rate > 2.0 {
		return fmt.Errorf("%w: %.3f not in [0.5, 2.0]", ErrRateOutOfRange, rate)
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	if err := s.dev.SetPitch(rate); err != nil {
		return fmt.Errorf("set pitch: %w", err)
	}
	s.playSpeedBits.Store(math.Float32bits(rate))
	return nil
}

// SetVolume sets the playback gain. Values within 0.01 of 0 or 1 snap
// exactly; values outside [0.0, 1.0] are rejected and leave the previous
// volume unchanged.
func (s *Sink) SetVolume(v float32) error {
	if !s.available || s.chosen == nil {
		return ErrNotInitialized
	}
	if math.Abs(float64(v)) < 0.01 {
		v = 0.0
	} else if math.Abs(float64(1.0-v)) < 0.01 {
		v = 1.0
	}
	if v < 0.0 || v > 1.0 {
		return fmt.Errorf("%w: %.3f not in [0.0, 1.0]", ErrVolumeOutOfRange, v)
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	if err := s.dev.SetGain(v); err != nil {
		return fmt.Errorf("set gain: %w", err)
	}
	s.volumeBits.Store(math.Float32bits(v))
	return nil
}

// IsPlaying reports whether playback is both requested and actually running
// on the device transport.
func (s *Sink) IsPlaying() bool {
	if !s.available || s.chosen == nil {
		return false
	}
	if !s.playRequested.Load() {
		return false
	}
	s.dev.AcquireContext()
	defer s.dev.ReleaseContext()
	return s.dev.TransportState() == device.StatePlaying
}

// stopLocked clears the play request even when the transport already reads
// stopped, such as during an underrun; otherwise the next enqueue's
// auto-resume would undo the stop.
func (s *Sink) stopLocked() error {
	s.playRequested.Store(false)
	if s.dev.TransportState() == device.StateStopped {
		return nil
	}
	return s.dev.Stop()
}

func (s *Sink) resumeLocked() error {
	if s.playRequested.Load() && s.dev.TransportState() != device.StatePlaying {
		return s.dev.Play()
	}
	return nil
}

func (s *Sink) transportPlayingLocked() bool {
	return s.playRequested.Load() && s.dev.TransportState() == device.StatePlaying
}
