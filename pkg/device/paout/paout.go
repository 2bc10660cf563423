// Package paout implements the playback device contract on top of
// PortAudio. Submitted buffers are staged in a lock-free ring feeding the
// stream callback; the callback counts played bytes and a buffer ledger
// converts that count back into whole-buffer completions. Completion events
// are delivered asynchronously, so sinks driving this backend run in event
// mode.
package paout

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/drgolem/go-portaudio/portaudio"

	"github.com/drgolem/audiosink/pkg/device"
	"github.com/drgolem/audiosink/pkg/frame"
)

const (
	// ringSeconds sizes the staging ring relative to the negotiated format.
	ringSeconds = 2
	// defaultFramesPerBuffer is the callback granularity when the config
	// does not override it.
	defaultFramesPerBuffer = 512
)

type Config struct {
	// DeviceIndex selects the PortAudio output device, -1 for the default.
	DeviceIndex int
	// FramesPerBuffer is the stream callback granularity.
	FramesPerBuffer int
}

func DefaultConfig() Config {
	return Config{
		DeviceIndex:     -1,
		FramesPerBuffer: defaultFramesPerBuffer,
	}
}

// Output drives a single PortAudio callback stream.
type Output struct {
	ctxMu sync.Mutex

	cfg  Config
	info *portaudio.DeviceInfo

	negotiated    frame.Format
	paFormat      portaudio.PaSampleFormat
	bytesPerFrame int

	stream     *portaudio.PaStream
	ring       *ringbuffer.RingBuffer
	ledger     device.BufferLedger
	nextBuffer int

	state   device.TransportState
	started bool

	played   atomic.Int64
	reported atomic.Int64
	gainBits atomic.Uint32
	pitch    float32

	completion atomic.Pointer[device.CompletionFunc]
	pendingEv  atomic.Int64
	kick       chan struct{}
	pumpDone   chan struct{}
}

func New(cfg Config) *Output {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	o := &Output{cfg: cfg, pitch: 1.0}
	o.gainBits.Store(math.Float32bits(1.0))
	return o
}

func (o *Output) Open() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio initialize: %w", err)
	}
	var (
		info *portaudio.DeviceInfo
		err  error
	)
	if o.cfg.DeviceIndex < 0 {
		info, err = portaudio.DefaultOutputDevice()
	} else {
		info, err = portaudio.GetDeviceInfo(o.cfg.DeviceIndex)
	}
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio output device: %w", err)
	}
	if info.MaxOutputChannels < 1 {
		_ = portaudio.Terminate()
		return fmt.Errorf("device %q has no output channels", info.Name)
	}
	o.info = info
	return nil
}

func (o *Output) Close() error {
	err := o.DestroyVoice()
	if terr := portaudio.Terminate(); terr != nil && err == nil {
		err = terr
	}
	o.info = nil
	return err
}

func (o *Output) AcquireContext() { o.ctxMu.Lock() }
func (o *Output) ReleaseContext() { o.ctxMu.Unlock() }

func (o *Output) Latency() time.Duration {
	if o.info == nil {
		return 0
	}
	return time.Duration(float64(o.info.DefaultHighOutputLatency) * float64(time.Second))
}

func (o *Output) NativeFormat() frame.Format {
	if o.info == nil {
		return frame.Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	}
	ch := o.info.MaxOutputChannels
	if ch > 2 {
		ch = 2
	}
	return frame.Format{
		SampleRate:    int(o.info.DefaultSampleRate),
		Channels:      ch,
		BitsPerSample: 16,
	}
}

func (o *Output) NegotiateFormat(f frame.Format) (device.DeviceFormat, error) {
	if o.info == nil {
		return 0, fmt.Errorf("device not open")
	}
	var pf portaudio.PaSampleFormat
	switch f.BitsPerSample {
	case 8:
		pf = portaudio.SampleFmtInt8
	case 16:
		pf = portaudio.SampleFmtInt16
	case 24:
		pf = portaudio.SampleFmtInt24
	case 32:
		pf = portaudio.SampleFmtInt32
	default:
		return 0, fmt.Errorf("%w: %d bits per sample", device.ErrUnsupportedFormat, f.BitsPerSample)
	}
	if f.Channels < 1 || f.Channels > o.info.MaxOutputChannels {
		return 0, fmt.Errorf("%w: %d channels, device supports up to %d",
			device.ErrUnsupportedFormat, f.Channels, o.info.MaxOutputChannels)
	}
	if f.SampleRate <= 0 {
		return 0, fmt.Errorf("%w: sample rate %d", device.ErrUnsupportedFormat, f.SampleRate)
	}
	o.negotiated = f
	o.paFormat = pf
	o.bytesPerFrame = f.BytesPerFrame()
	return device.DeviceFormat(f.BitsPerSample), nil
}

func (o *Output) CreateVoice() error {
	if o.info == nil {
		return fmt.Errorf("device not open")
	}
	if o.bytesPerFrame == 0 {
		return fmt.Errorf("no negotiated format")
	}
	if o.stream != nil {
		if err := o.DestroyVoice(); err != nil {
			return err
		}
	}

	stream, err := portaudio.NewCallbackStream(o.info.Index, o.negotiated.Channels,
		o.paFormat, float64(o.negotiated.SampleRate))
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := stream.OpenCallback(o.cfg.FramesPerBuffer, o.audioCallback); err != nil {
		return fmt.Errorf("open stream callback: %w", err)
	}

	ringSize := o.negotiated.SampleRate * o.bytesPerFrame * ringSeconds
	o.ring = ringbuffer.New(ringSize)
	o.stream = stream
	o.ledger.Reset()
	o.played.Store(0)
	o.reported.Store(0)
	o.pendingEv.Store(0)
	o.state = device.StateStopped
	o.started = false

	o.kick = make(chan struct{}, 1)
	o.pumpDone = make(chan struct{})
	go o.pumpCompletions(o.kick, o.pumpDone)
	return nil
}

func (o *Output) DestroyVoice() error {
	if o.stream == nil {
		return nil
	}
	if o.started {
		_ = o.stream.StopStream()
		o.started = false
	}
	err := o.stream.CloseCallback()
	o.stream = nil
	o.state = device.StateStopped

	close(o.kick)
	<-o.pumpDone
	o.kick = nil
	o.pumpDone = nil

	o.ring = nil
	o.ledger.Reset()
	o.played.Store(0)
	o.reported.Store(0)
	o.pendingEv.Store(0)
	if err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

func (o *Output) AllocateBuffers(n int) ([]device.BufferID, error) {
	ids := make([]device.BufferID, n)
	for i := range ids {
		ids[i] = o.nextBuffer
		o.nextBuffer++
	}
	return ids, nil
}

func (o *Output) ReleaseBuffers(ids []device.BufferID) error { return nil }

func (o *Output) SubmitBuffer(id device.BufferID, _ device.DeviceFormat, _ int, data []byte) error {
	if o.ring == nil {
		return fmt.Errorf("no voice")
	}
	if o.ring.Free() < len(data) {
		return fmt.Errorf("staging ring full: %d free, %d needed", o.ring.Free(), len(data))
	}
	o.ledger.Submit(id, len(data))
	written := 0
	for written < len(data) {
		n, err := o.ring.Write(data[written:])
		if err != nil {
			return fmt.Errorf("stage buffer %d: %w", id, err)
		}
		written += n
	}
	return nil
}

func (o *Output) ProcessedBufferCount() int {
	return o.ledger.Completed(o.played.Load())
}

func (o *Output) UnqueueBuffers(n int) ([]device.BufferID, error) {
	ids, end := o.ledger.Unqueue(n)
	played := o.played.Load()
	if end > played {
		// Forced detach of unplayed buffers: the stream is stopped, so
		// the callback cannot race the drain.
		o.drainRing(int(end - played))
		o.played.Store(end)
		o.reported.Store(int64(o.ledger.TotalCompleted(end)))
		o.pendingEv.Store(0)
	}
	return ids, nil
}

func (o *Output) drainRing(n int) {
	if o.ring == nil {
		return
	}
	var scratch [4096]byte
	for n > 0 {
		want := n
		if want > len(scratch) {
			want = len(scratch)
		}
		got, _ := o.ring.TryRead(scratch[:want])
		if got == 0 {
			return
		}
		n -= got
	}
}

func (o *Output) Play() error {
	if o.stream == nil {
		return fmt.Errorf("no voice")
	}
	if !o.started {
		if err := o.stream.StartStream(); err != nil {
			return fmt.Errorf("start stream: %w", err)
		}
		o.started = true
	}
	o.state = device.StatePlaying
	return nil
}

func (o *Output) Pause() error {
	if o.stream != nil && o.started {
		if err := o.stream.StopStream(); err != nil {
			return fmt.Errorf("stop stream: %w", err)
		}
		o.started = false
	}
	o.state = device.StatePaused
	return nil
}

func (o *Output) Stop() error {
	if o.stream != nil && o.started {
		if err := o.stream.StopStream(); err != nil {
			return fmt.Errorf("stop stream: %w", err)
		}
		o.started = false
	}
	o.state = device.StateStopped
	return nil
}

func (o *Output) TransportState() device.TransportState {
	if o.state == device.StatePlaying && o.played.Load() >= o.ledger.SubmittedBytes() {
		// The callback is emitting silence; report the underrun so the
		// caller can restart playback after refilling the queue.
		return device.StateStopped
	}
	return o.state
}

// SetPitch records the requested rate. PortAudio streams play at a fixed
// sample rate, so values other than 1.0 take effect only on the next voice.
func (o *Output) SetPitch(p float32) error {
	o.pitch = p
	return nil
}

func (o *Output) SetGain(g float32) error {
	o.gainBits.Store(math.Float32bits(g))
	return nil
}

func (o *Output) RegisterCompletionCallback(fn device.CompletionFunc) error {
	o.completion.Store(&fn)
	return nil
}

func (o *Output) UnregisterCompletionCallback() {
	o.completion.Store(nil)
}

// audioCallback runs on the PortAudio stream thread. It must not allocate or
// block; completions are handed to pumpCompletions through an atomic counter
// and a non-blocking kick so listener code never runs on the stream thread.
func (o *Output) audioCallback(_, output []byte, frameCount uint,
	_ *portaudio.StreamCallbackTimeInfo, _ portaudio.StreamCallbackFlags) portaudio.StreamCallbackResult {

	bytesNeeded := int(frameCount) * o.bytesPerFrame
	if bytesNeeded > len(output) {
		bytesNeeded = len(output)
	}
	n, _ := o.ring.TryRead(output[:bytesNeeded])
	for i := n; i < bytesNeeded; i++ {
		output[i] = 0
	}

	if g := math.Float32frombits(o.gainBits.Load()); g != 1.0 && o.paFormat == portaudio.SampleFmtInt16 {
		applyGain16(output[:n], g)
	}

	played := o.played.Add(int64(n))
	total := int64(o.ledger.TotalCompleted(played))
	if delta := total - o.reported.Load(); delta > 0 {
		o.reported.Store(total)
		o.pendingEv.Add(delta)
		select {
		case o.kick <- struct{}{}:
		default:
		}
	}
	return portaudio.Continue
}

func (o *Output) pumpCompletions(kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for range kick {
		n := o.pendingEv.Swap(0)
		if n <= 0 {
			continue
		}
		if fn := o.completion.Load(); fn != nil {
			(*fn)(int(n))
		}
	}
}

func applyGain16(buf []byte, g float32) {
	for i := 0; i+1 < len(buf); i += 2 {
		v := float32(int16(binary.LittleEndian.Uint16(buf[i:]))) * g
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(v)))
	}
}
