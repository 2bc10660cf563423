package audiosink

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drgolem/audiosink/pkg/device"
	"github.com/drgolem/audiosink/pkg/frame"
)

// fakeDevice implements the device contract in memory. Completion progress
// is driven explicitly by the test via complete(), which also plays the role
// of the device's notification goroutine when events are enabled.
type fakeDevice struct {
	ctxMu sync.Mutex

	events bool // deliver completion notifications

	mu         sync.Mutex
	queue      []device.BufferID // submitted, not yet unqueued
	processed  int               // completed, not yet unqueued
	completion device.CompletionFunc
	state      device.TransportState
	nextBuffer int
	pitch      float32
	gain       float32
	opened     bool
	voice      bool
	submitErr  error // next SubmitBuffer fails with this when set

	processedCalls atomic.Int64 // ProcessedBufferCount invocations
}

func newFakeDevice(events bool) *fakeDevice {
	return &fakeDevice{events: events, pitch: 1.0, gain: 1.0}
}

// complete marks n more queued buffers as consumed and, in event mode,
// notifies the registered callback the way a real device thread would.
func (d *fakeDevice) complete(n int) {
	d.mu.Lock()
	d.processed += n
	fn := d.completion
	d.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (d *fakeDevice) Open() error  { d.opened = true; return nil }
func (d *fakeDevice) Close() error { d.opened = false; return nil }

func (d *fakeDevice) AcquireContext() { d.ctxMu.Lock() }
func (d *fakeDevice) ReleaseContext() { d.ctxMu.Unlock() }

func (d *fakeDevice) Latency() time.Duration { return 0 }

func (d *fakeDevice) NativeFormat() frame.Format {
	return frame.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
}

func (d *fakeDevice) NegotiateFormat(f frame.Format) (device.DeviceFormat, error) {
	if f.Channels < 1 || f.Channels > 2 {
		return 0, device.ErrUnsupportedFormat
	}
	if f.BitsPerSample != 16 {
		return 0, device.ErrUnsupportedFormat
	}
	return device.DeviceFormat(f.BitsPerSample), nil
}

func (d *fakeDevice) CreateVoice() error  { d.voice = true; return nil }
func (d *fakeDevice) DestroyVoice() error { d.voice = false; return nil }

func (d *fakeDevice) AllocateBuffers(n int) ([]device.BufferID, error) {
	ids := make([]device.BufferID, n)
	for i := range ids {
		ids[i] = d.nextBuffer
		d.nextBuffer++
	}
	return ids, nil
}

func (d *fakeDevice) ReleaseBuffers(ids []device.BufferID) error { return nil }

func (d *fakeDevice) SubmitBuffer(id device.BufferID, _ device.DeviceFormat, _ int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	d.queue = append(d.queue, id)
	return nil
}

func (d *fakeDevice) ProcessedBufferCount() int {
	d.processedCalls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed
}

func (d *fakeDevice) UnqueueBuffers(n int) ([]device.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.queue) {
		n = len(d.queue)
	}
	ids := append([]device.BufferID(nil), d.queue[:n]...)
	d.queue = d.queue[n:]
	d.processed -= n
	if d.processed < 0 {
		d.processed = 0
	}
	return ids, nil
}

func (d *fakeDevice) Play() error {
	d.mu.Lock()
	d.state = device.StatePlaying
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Pause() error {
	d.mu.Lock()
	d.state = device.StatePaused
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.state = device.StateStopped
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) TransportState() device.TransportState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDevice) SetPitch(p float32) error { d.pitch = p; return nil }
func (d *fakeDevice) SetGain(g float32) error  { d.gain = g; return nil }

func (d *fakeDevice) RegisterCompletionCallback(fn device.CompletionFunc) error {
	if !d.events {
		return device.ErrNoCompletionEvents
	}
	d.mu.Lock()
	d.completion = fn
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) UnregisterCompletionCallback() {
	d.mu.Lock()
	d.completion = nil
	d.mu.Unlock()
}

var testFormat = frame.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

// newTestSink returns a sink over a fake device, initialized so that the
// pool holds exactly queueDuration/frameDuration slots.
func newTestSink(t *testing.T, events bool, frameDur, queueDur time.Duration) (*Sink, *fakeDevice) {
	t.Helper()
	dev := newFakeDevice(events)
	s, err := New(dev, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(testFormat, frameDur, queueDur); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Destroy() })
	return s, dev
}

// pcm returns d worth of silence in the test format.
func pcm(d time.Duration) []byte {
	return make([]byte, testFormat.DurationBytes(d))
}

func TestInitPoolSizing(t *testing.T) {
	tests := []struct {
		name     string
		frameDur time.Duration
		queueDur time.Duration
		want     int
	}{
		{"exact", 250 * time.Millisecond, time.Second, 4},
		{"rounds down", 300 * time.Millisecond, time.Second, 3},
		{"at least one", time.Second, 100 * time.Millisecond, 1},
		{"defaults", 0, 0, int(DefaultQueueDuration / DefaultFrameDuration)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSink(t, true, tc.frameDur, tc.queueDur)
			if got := s.FrameCapacity(); got != tc.want {
				t.Errorf("FrameCapacity = %d, want %d", got, tc.want)
			}
			if got := s.FreeFrameCount(); got != tc.want {
				t.Errorf("FreeFrameCount = %d, want %d", got, tc.want)
			}
			if got := s.QueuedFrameCount(); got != 0 {
				t.Errorf("QueuedFrameCount = %d, want 0", got)
			}
		})
	}
}

func TestEnqueueLifecycle(t *testing.T) {
	s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)

	data := pcm(250 * time.Millisecond)
	for i := 0; i < 4; i++ {
		fr, err := s.Enqueue(int64(i*250), data)
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if fr.PTS != int64(i*250) {
			t.Errorf("frame %d PTS = %d, want %d", i, fr.PTS, i*250)
		}
		if fr.Duration != 250*time.Millisecond {
			t.Errorf("frame %d Duration = %v, want 250ms", i, fr.Duration)
		}
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 0 || playing != 4 {
		t.Fatalf("after 4 enqueues: free %d playing %d, want 0/4", free, playing)
	}
	if got := s.QueuedByteCount(); got != 4*len(data) {
		t.Errorf("QueuedByteCount = %d, want %d", got, 4*len(data))
	}
	if got := s.LastBufferedPTS(); got != 750 {
		t.Errorf("LastBufferedPTS = %d, want 750", got)
	}
	if got := s.PTSLast(); got != frame.InvalidPTS {
		t.Errorf("PTSLast before any reclamation = %d, want InvalidPTS", got)
	}

	// Device finishes the first two buffers.
	dev.complete(2)
	pts, err := s.UpdateQueue()
	if err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}
	// Transport is stopped, so the returned clock holds at the last
	// reclaimed PTS without extrapolating.
	if pts != 250 {
		t.Errorf("UpdateQueue pts = %d, want 250", pts)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 2 || playing != 2 {
		t.Fatalf("after reclaim: free %d playing %d, want 2/2", free, playing)
	}
	if got := s.QueuedByteCount(); got != 2*len(data) {
		t.Errorf("QueuedByteCount = %d, want %d", got, 2*len(data))
	}
	if got := s.PTSLast(); got != 250 {
		t.Errorf("PTSLast = %d, want 250 (PTS of last reclaimed frame)", got)
	}

	// Freed slots accept new frames.
	for i := 4; i < 6; i++ {
		if _, err := s.Enqueue(int64(i*250), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 0 || playing != 4 {
		t.Fatalf("after refill: free %d playing %d, want 0/4", free, playing)
	}

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 4 || playing != 0 {
		t.Fatalf("after flush: free %d playing %d, want 4/0", free, playing)
	}
	if got := s.QueuedByteCount(); got != 0 {
		t.Errorf("QueuedByteCount after flush = %d, want 0", got)
	}
	if got := s.PTSNow(); got != frame.InvalidPTS {
		t.Errorf("PTSNow after flush = %d, want InvalidPTS", got)
	}
	if got := s.LastBufferedPTS(); got != frame.InvalidPTS {
		t.Errorf("LastBufferedPTS after flush = %d, want InvalidPTS", got)
	}
	if dev.TransportState() != device.StateStopped {
		t.Errorf("transport not stopped after flush")
	}
}

func TestEnqueueFailsWhenFullAndStopped(t *testing.T) {
	s, _ := newTestSink(t, true, 500*time.Millisecond, time.Second)

	data := pcm(500 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(int64(i*500), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	// Pool full, transport stopped: the sink must fail fast rather than
	// wait for completions that can never arrive.
	_, err := s.Enqueue(1000, data)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("Enqueue on full stopped sink: err = %v, want ErrInternal", err)
	}
}

func TestEnqueueSubmitFailureReturnsSlot(t *testing.T) {
	// A slot the device refused must go back to the free set; admitting it
	// to the playing FIFO would desynchronize the pool from the device
	// queue and corrupt every later reclamation.
	s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)

	data := pcm(250 * time.Millisecond)
	if _, err := s.Enqueue(0, data); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	devErr := errors.New("device rejected buffer")
	dev.mu.Lock()
	dev.submitErr = devErr
	dev.mu.Unlock()
	if _, err := s.Enqueue(250, data); !errors.Is(err, devErr) {
		t.Fatalf("Enqueue with failing submit: err = %v, want wrapped device error", err)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 3 || playing != 1 {
		t.Fatalf("after failed submit: free %d playing %d, want 3/1", free, playing)
	}
	if got := s.QueuedByteCount(); got != len(data) {
		t.Errorf("QueuedByteCount = %d, want %d", got, len(data))
	}
	if got := s.LastBufferedPTS(); got != 0 {
		t.Errorf("LastBufferedPTS = %d, want 0: the rejected frame was never buffered", got)
	}

	// The device recovers; the returned slot must be reusable and
	// reclamation must line up with what the device actually holds.
	dev.mu.Lock()
	dev.submitErr = nil
	dev.mu.Unlock()
	if _, err := s.Enqueue(250, data); err != nil {
		t.Fatalf("Enqueue after recovery: %v", err)
	}
	dev.complete(2)
	if _, err := s.UpdateQueue(); err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 4 || playing != 0 {
		t.Errorf("after reclaim: free %d playing %d, want 4/0", free, playing)
	}
	if got := s.QueuedByteCount(); got != 0 {
		t.Errorf("QueuedByteCount after reclaim = %d, want 0", got)
	}
	if got := s.PTSLast(); got != 250 {
		t.Errorf("PTSLast = %d, want 250", got)
	}
}

func TestEnqueueBlocksUntilCompletion(t *testing.T) {
	s, dev := newTestSink(t, true, 500*time.Millisecond, time.Second)

	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	data := pcm(500 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(int64(i*500), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		dev.complete(1)
	}()

	start := time.Now()
	if _, err := s.Enqueue(1000, data); err != nil {
		t.Fatalf("blocking Enqueue: %v", err)
	}
	if waited := time.Since(start); waited < 20*time.Millisecond {
		t.Errorf("Enqueue returned after %v, expected to block for the completion", waited)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 0 || playing != 2 {
		t.Errorf("after blocking enqueue: free %d playing %d, want 0/2", free, playing)
	}
	if got := s.PTSLast(); got != 0 {
		t.Errorf("PTSLast = %d, want 0 (first frame reclaimed)", got)
	}
}

func TestEventCountReconciledAgainstQuery(t *testing.T) {
	// The device query is the authority: accumulated notifications beyond
	// what the device reports processed must not be believed.
	dev := newFakeDevice(true)
	s, err := New(dev, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy()
	if err := s.Init(testFormat, 250*time.Millisecond, time.Second); err != nil {
		t.Fatalf("Init: %v", err)
	}

	data := pcm(250 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(int64(i*250), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	// Overreport: three notifications, but only one buffer actually done.
	dev.mu.Lock()
	fn := dev.completion
	dev.mu.Unlock()
	fn(3)
	dev.mu.Lock()
	dev.processed = 1
	dev.mu.Unlock()

	if _, err := s.UpdateQueue(); err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 2 || playing != 2 {
		t.Errorf("free %d playing %d, want 2/2: only the queried count may be reclaimed", free, playing)
	}
}

func TestPollModeReclaim(t *testing.T) {
	s, dev := newTestSink(t, false, 250*time.Millisecond, time.Second)
	if s.Status().EventMode {
		t.Fatal("sink chose event mode against a device without completion events")
	}

	data := pcm(250 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(int64(i*250), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	dev.mu.Lock()
	dev.processed = 2
	dev.mu.Unlock()

	if _, err := s.UpdateQueue(); err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 3 || playing != 1 {
		t.Errorf("free %d playing %d, want 3/1", free, playing)
	}
	if got := s.PTSLast(); got != 250 {
		t.Errorf("PTSLast = %d, want 250", got)
	}
}

func TestPollModeBlockingEnqueue(t *testing.T) {
	s, dev := newTestSink(t, false, 10*time.Millisecond, 20*time.Millisecond)
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	data := pcm(10 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(int64(i*10), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	go func() {
		time.Sleep(25 * time.Millisecond)
		dev.mu.Lock()
		dev.processed = 1
		dev.mu.Unlock()
	}()

	if _, err := s.Enqueue(20, data); err != nil {
		t.Fatalf("blocking Enqueue: %v", err)
	}
	if free, playing := s.FreeFrameCount(), s.QueuedFrameCount(); free != 0 || playing != 2 {
		t.Errorf("after blocking enqueue: free %d playing %d, want 0/2", free, playing)
	}
}

func TestPollModeBusyPollPastSoftDeadline(t *testing.T) {
	// The poll sleep budget is req * avgFrameDuration. A completion that
	// arrives well past it must be caught by 1ms polls, not by further
	// avg-sized sleeps: with a 10ms frame estimate and a completion 60ms
	// out, deadline-capped polling queries the device dozens of times
	// where uncapped 9ms sleeps would manage only a handful.
	s, dev := newTestSink(t, false, 10*time.Millisecond, 20*time.Millisecond)
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	data := pcm(10 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(int64(i*10), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		dev.mu.Lock()
		dev.processed = 1
		dev.mu.Unlock()
	}()

	dev.processedCalls.Store(0)
	if _, err := s.Enqueue(20, data); err != nil {
		t.Fatalf("blocking Enqueue: %v", err)
	}
	if got := dev.processedCalls.Load(); got < 15 {
		t.Errorf("device queried %d times during a 60ms wait, want >= 15 once past the sleep budget", got)
	}
}

func TestUpdateQueueNoopWhenEmpty(t *testing.T) {
	s, _ := newTestSink(t, true, 250*time.Millisecond, time.Second)
	for i := 0; i < 3; i++ {
		pts, err := s.UpdateQueue()
		if err != nil {
			t.Fatalf("UpdateQueue on empty sink: %v", err)
		}
		if pts != frame.InvalidPTS {
			t.Errorf("UpdateQueue pts = %d, want InvalidPTS before any reclamation", pts)
		}
	}
	if free := s.FreeFrameCount(); free != 4 {
		t.Errorf("FreeFrameCount = %d, want 4", free)
	}
}

func TestAvgFrameDurationGate(t *testing.T) {
	s, _ := newTestSink(t, true, 250*time.Millisecond, time.Second)

	// Latency is zero on the fake, so the estimate seeds from the frame
	// duration hint.
	if got := s.AvgFrameDuration(); got != 250*time.Millisecond {
		t.Fatalf("seeded AvgFrameDuration = %v, want 250ms", got)
	}

	// Actual frames are half the hinted duration.
	data := pcm(125 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(int64(i*125), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		// With two or fewer frames playing the estimate must not move.
		if got := s.AvgFrameDuration(); got != 250*time.Millisecond {
			t.Errorf("after enqueue %d: AvgFrameDuration = %v, want 250ms", i, got)
		}
	}
	if _, err := s.Enqueue(375, data); err != nil {
		t.Fatalf("Enqueue 3: %v", err)
	}
	if got := s.AvgFrameDuration(); got != 125*time.Millisecond {
		t.Errorf("AvgFrameDuration = %v, want 125ms once 3 frames are playing", got)
	}
}

func TestSetPlaySpeed(t *testing.T) {
	tests := []struct {
		name    string
		rate    float32
		want    float32
		wantErr bool
	}{
		{"nominal", 1.5, 1.5, false},
		{"lower bound", 0.5, 0.5, false},
		{"upper bound", 2.0, 2.0, false},
		{"snaps above one", 1.003, 1.0, false},
		{"snaps below one", 0.992, 1.0, false},
		{"too slow", 0.3, 0, true},
		{"too fast", 2.5, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)
			err := s.SetPlaySpeed(tc.rate)
			if tc.wantErr {
				if !errors.Is(err, ErrRateOutOfRange) {
					t.Fatalf("err = %v, want ErrRateOutOfRange", err)
				}
				if got := s.PlaySpeed(); got != 1.0 {
					t.Errorf("rejected rate changed speed to %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetPlaySpeed(%v): %v", tc.rate, err)
			}
			if got := s.PlaySpeed(); got != tc.want {
				t.Errorf("PlaySpeed = %v, want %v", got, tc.want)
			}
			if dev.pitch != tc.want {
				t.Errorf("device pitch = %v, want %v", dev.pitch, tc.want)
			}
		})
	}
}

func TestSetVolume(t *testing.T) {
	tests := []struct {
		name    string
		vol     float32
		want    float32
		wantErr bool
	}{
		{"nominal", 0.5, 0.5, false},
		{"mute", 0.0, 0.0, false},
		{"full", 1.0, 1.0, false},
		{"snaps to mute", 0.005, 0.0, false},
		{"snaps to full", 0.995, 1.0, false},
		{"negative", -0.1, 0, true},
		{"above full", 1.2, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)
			err := s.SetVolume(tc.vol)
			if tc.wantErr {
				if !errors.Is(err, ErrVolumeOutOfRange) {
					t.Fatalf("err = %v, want ErrVolumeOutOfRange", err)
				}
				if got := s.Volume(); got != 1.0 {
					t.Errorf("rejected volume changed gain to %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetVolume(%v): %v", tc.vol, err)
			}
			if got := s.Volume(); got != tc.want {
				t.Errorf("Volume = %v, want %v", got, tc.want)
			}
			if dev.gain != tc.want {
				t.Errorf("device gain = %v, want %v", dev.gain, tc.want)
			}
		})
	}
}

func TestTransportControls(t *testing.T) {
	s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)

	if s.IsPlaying() {
		t.Error("IsPlaying before Play")
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !s.IsPlaying() {
		t.Error("IsPlaying false after Play")
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s.IsPlaying() {
		t.Error("IsPlaying true after Pause")
	}
	if dev.TransportState() != device.StatePaused {
		t.Errorf("transport = %v, want paused", dev.TransportState())
	}
	// Pause with no play request pending is a no-op.
	if err := s.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play after Pause: %v", err)
	}
	if dev.TransportState() != device.StatePlaying {
		t.Errorf("transport = %v, want playing", dev.TransportState())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if dev.TransportState() != device.StateStopped {
		t.Errorf("transport = %v, want stopped", dev.TransportState())
	}
}

func TestAutoResumeAfterUnderrun(t *testing.T) {
	s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	// Device ran dry and stopped on its own; the play request stands.
	dev.mu.Lock()
	dev.state = device.StateStopped
	dev.mu.Unlock()

	if _, err := s.Enqueue(0, pcm(250*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if dev.TransportState() != device.StatePlaying {
		t.Error("transport not restarted by enqueue after underrun")
	}
}

func TestStopDuringUnderrunClearsPlayRequest(t *testing.T) {
	s, dev := newTestSink(t, true, 250*time.Millisecond, time.Second)
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	// Device ran dry and stopped on its own before the explicit stop.
	dev.mu.Lock()
	dev.state = device.StateStopped
	dev.mu.Unlock()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsPlaying() {
		t.Error("IsPlaying true after Stop")
	}
	// An explicit stop must stick: the next enqueue may not auto-resume.
	if _, err := s.Enqueue(0, pcm(250*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if dev.TransportState() != device.StateStopped {
		t.Error("enqueue restarted the transport after an explicit stop")
	}
	if s.IsPlaying() {
		t.Error("IsPlaying true after enqueue following an explicit stop")
	}
}

func TestOperationsBeforeInit(t *testing.T) {
	dev := newFakeDevice(true)
	s, err := New(dev, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy()

	if _, err := s.Enqueue(0, make([]byte, 16)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Enqueue: err = %v, want ErrNotInitialized", err)
	}
	if _, err := s.UpdateQueue(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("UpdateQueue: err = %v, want ErrNotInitialized", err)
	}
	if err := s.Play(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Play: err = %v, want ErrNotInitialized", err)
	}
	if err := s.Flush(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Flush: err = %v, want ErrNotInitialized", err)
	}
	if s.IsPlaying() {
		t.Error("IsPlaying true before Init")
	}
}

func TestChannelLimit(t *testing.T) {
	dev := newFakeDevice(true)
	s, err := New(dev, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Destroy()

	stereo := frame.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	if !s.IsSupported(stereo) {
		t.Error("stereo not supported at default limit")
	}
	s.SetChannelLimit(1)
	if s.IsSupported(stereo) {
		t.Error("stereo supported with channel limit 1")
	}
	if got := s.PreferredFormat().Channels; got != 1 {
		t.Errorf("PreferredFormat channels = %d, want 1 under limit", got)
	}
	if err := s.Init(stereo, 0, 0); err == nil {
		t.Error("Init accepted stereo with channel limit 1")
	}
	s.SetChannelLimit(2)
	if got := s.PreferredFormat().Channels; got != 2 {
		t.Errorf("PreferredFormat channels = %d, want 2", got)
	}
	if err := s.Init(stereo, 0, 0); err != nil {
		t.Errorf("Init(stereo): %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	s, _ := newTestSink(t, true, 250*time.Millisecond, time.Second)

	data := pcm(250 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(int64(i*250), data); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	st := s.Status()
	if st.Format != testFormat {
		t.Errorf("Status.Format = %v, want %v", st.Format, testFormat)
	}
	if st.Capacity != 4 || st.FreeFrames != 2 || st.PlayingFrames != 2 {
		t.Errorf("Status pool = %d/%d/%d, want 4/2/2", st.Capacity, st.FreeFrames, st.PlayingFrames)
	}
	if st.QueuedBytes != 2*len(data) {
		t.Errorf("Status.QueuedBytes = %d, want %d", st.QueuedBytes, 2*len(data))
	}
	if st.QueuedDuration != 500*time.Millisecond {
		t.Errorf("Status.QueuedDuration = %v, want 500ms", st.QueuedDuration)
	}
	if st.EnqueuedFrames != 2 {
		t.Errorf("Status.EnqueuedFrames = %d, want 2", st.EnqueuedFrames)
	}
	if st.LastBufferedPTS != 250 {
		t.Errorf("Status.LastBufferedPTS = %d, want 250", st.LastBufferedPTS)
	}
	if st.PTS != frame.InvalidPTS {
		t.Errorf("Status.PTS = %d, want InvalidPTS before reclamation", st.PTS)
	}
	if !st.EventMode {
		t.Error("Status.EventMode false on an event-capable device")
	}
	if st.PlaySpeed != 1.0 || st.Volume != 1.0 {
		t.Errorf("Status speed/volume = %v/%v, want 1/1", st.PlaySpeed, st.Volume)
	}
}

func TestReinitTearsDownPreviousPool(t *testing.T) {
	s, _ := newTestSink(t, true, 250*time.Millisecond, time.Second)
	if _, err := s.Enqueue(0, pcm(250*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Init(testFormat, 500*time.Millisecond, time.Second); err != nil {
		t.Fatalf("re-Init: %v", err)
	}
	if got := s.FrameCapacity(); got != 2 {
		t.Errorf("FrameCapacity after re-Init = %d, want 2", got)
	}
	if got := s.QueuedByteCount(); got != 0 {
		t.Errorf("QueuedByteCount after re-Init = %d, want 0", got)
	}
	if got := s.EnqueuedFrameCount(); got != 1 {
		t.Errorf("EnqueuedFrameCount = %d, lifetime counter must survive re-Init", got)
	}
}
