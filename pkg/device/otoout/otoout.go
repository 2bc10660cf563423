// Package otoout implements the playback device contract on top of the oto
// library. oto exposes no buffer-completion events, so sinks driving this
// backend reclaim by polling ProcessedBufferCount; progress is derived from
// the bytes oto has drained out of the feed queue, mapped back onto whole
// submitted buffers by a BufferLedger.
package otoout

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/audiosink/pkg/device"
	"github.com/drgolem/audiosink/pkg/frame"

	"github.com/ebitengine/oto/v3"
)

// oto consumes 16-bit little-endian PCM only.
const requiredBits = 16

// Output is an oto-backed playback device.
type Output struct {
	ctxMu sync.Mutex // the AcquireContext/ReleaseContext lock

	otoCtx *oto.Context
	player *oto.Player
	queue  *byteQueue
	ledger device.BufferLedger

	negotiated frame.Format
	ctxFormat  frame.Format
	nextBuffer int
	state      device.TransportState

	// flushedTo overrides byte progress after a forced unqueue, so buffers
	// discarded by a flush never resurface as processed.
	flushedTo atomic.Int64
	pitch     float32
}

// New creates an unopened oto output.
func New() *Output {
	return &Output{state: device.StateStopped, pitch: 1.0}
}

func (o *Output) Open() error  { return nil }
func (o *Output) Close() error { return o.DestroyVoice() }

func (o *Output) AcquireContext() { o.ctxMu.Lock() }
func (o *Output) ReleaseContext() { o.ctxMu.Unlock() }

// Latency approximates oto's internal mixing interval.
func (o *Output) Latency() time.Duration { return 20 * time.Millisecond }

// NativeFormat returns the format this backend prefers to be fed.
func (o *Output) NativeFormat() frame.Format {
	return frame.Format{SampleRate: 48000, Channels: 2, BitsPerSample: requiredBits}
}

func (o *Output) NegotiateFormat(f frame.Format) (device.DeviceFormat, error) {
	if f.BitsPerSample != requiredBits {
		return 0, fmt.Errorf("%w: %s (oto plays 16-bit only)", device.ErrUnsupportedFormat, f)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return 0, fmt.Errorf("%w: %s (oto plays mono or stereo)", device.ErrUnsupportedFormat, f)
	}
	if f.SampleRate < 8000 || f.SampleRate > 384000 {
		return 0, fmt.Errorf("%w: %s", device.ErrUnsupportedFormat, f)
	}
	o.negotiated = f
	return device.DeviceFormat(f.SampleRate), nil
}

// CreateVoice builds the oto context and a persistent player fed from the
// internal byte queue. oto allows a single context per process; a voice with
// a different format than a previous one is rejected.
func (o *Output) CreateVoice() error {
	if o.negotiated.SampleRate == 0 {
		return fmt.Errorf("otoout: no format negotiated")
	}
	if o.player != nil {
		return nil
	}
	if o.otoCtx != nil && o.negotiated != o.ctxFormat {
		return fmt.Errorf("%w: %s, oto context fixed at %s",
			device.ErrUnsupportedFormat, o.negotiated, o.ctxFormat)
	}
	if o.otoCtx == nil {
		op := &oto.NewContextOptions{
			SampleRate:   o.negotiated.SampleRate,
			ChannelCount: o.negotiated.Channels,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			return fmt.Errorf("create oto context: %w", err)
		}
		<-ready
		o.otoCtx = ctx
		o.ctxFormat = o.negotiated
	}
	o.queue = newByteQueue()
	o.player = o.otoCtx.NewPlayer(o.queue)
	o.state = device.StateStopped
	return nil
}

func (o *Output) DestroyVoice() error {
	if o.player == nil {
		return nil
	}
	o.queue.close()
	err := o.player.Close()
	o.player = nil
	o.queue = nil
	o.ledger.Reset()
	o.flushedTo.Store(0)
	o.state = device.StateStopped
	if err != nil {
		return fmt.Errorf("close oto player: %w", err)
	}
	return nil
}

// AllocateBuffers hands out handles only; storage lives in the feed queue.
func (o *Output) AllocateBuffers(n int) ([]device.BufferID, error) {
	ids := make([]device.BufferID, n)
	for i := range ids {
		o.nextBuffer++
		ids[i] = o.nextBuffer
	}
	return ids, nil
}

func (o *Output) ReleaseBuffers(ids []device.BufferID) error { return nil }

func (o *Output) SubmitBuffer(id device.BufferID, _ device.DeviceFormat, _ int, data []byte) error {
	if o.player == nil {
		return fmt.Errorf("otoout: no voice")
	}
	o.ledger.Submit(id, len(data))
	o.queue.write(data)
	return nil
}

// playedBytes estimates how many submitted bytes have left oto's playback
// path: everything drained from the feed queue minus what still sits in the
// player's internal buffer.
func (o *Output) playedBytes() int64 {
	played := o.queue.drained() - int64(o.player.BufferedSize())
	if f := o.flushedTo.Load(); f > played {
		played = f
	}
	return played
}

func (o *Output) ProcessedBufferCount() int {
	if o.player == nil {
		return 0
	}
	return o.ledger.Completed(o.playedBytes())
}

func (o *Output) UnqueueBuffers(n int) ([]device.BufferID, error) {
	if o.player == nil {
		return nil, fmt.Errorf("otoout: no voice")
	}
	ids, end := o.ledger.Unqueue(n)
	if end > o.playedBytes() {
		// Forced past the play position (flush): drop the unplayed
		// remainder so it never sounds, and pin progress past it.
		o.queue.discardPending()
		o.flushedTo.Store(end)
	}
	return ids, nil
}

func (o *Output) Play() error {
	if o.player == nil {
		return fmt.Errorf("otoout: no voice")
	}
	o.player.Play()
	o.state = device.StatePlaying
	return nil
}

func (o *Output) Pause() error {
	if o.player == nil {
		return fmt.Errorf("otoout: no voice")
	}
	o.player.Pause()
	o.state = device.StatePaused
	return nil
}

func (o *Output) Stop() error {
	if o.player == nil {
		return nil
	}
	o.player.Pause()
	o.state = device.StateStopped
	return nil
}

// TransportState reports the stored transport intent, except that a playing
// voice with nothing left to consume reads as stopped, which is the underrun
// state callers recover from by restarting playback.
func (o *Output) TransportState() device.TransportState {
	if o.state == device.StatePlaying && o.player != nil {
		if o.queue.pending() == 0 && o.player.BufferedSize() == 0 {
			return device.StateStopped
		}
	}
	return o.state
}

// SetPitch is accepted but has no audible effect; oto has no rate control.
func (o *Output) SetPitch(p float32) error {
	o.pitch = p
	return nil
}

func (o *Output) SetGain(g float32) error {
	if o.player == nil {
		return fmt.Errorf("otoout: no voice")
	}
	o.player.SetVolume(float64(g))
	return nil
}

func (o *Output) RegisterCompletionCallback(device.CompletionFunc) error {
	return device.ErrNoCompletionEvents
}

func (o *Output) UnregisterCompletionCallback() {}

// byteQueue is the io.Reader feeding the persistent oto player. Reads block
// until data arrives or the queue closes; drained counts every byte the
// player has pulled out.
type byteQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	nread  atomic.Int64
}

func newByteQueue() *byteQueue {
	q := &byteQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *byteQueue) write(data []byte) {
	q.mu.Lock()
	q.buf = append(q.buf, data...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Read implements io.Reader for the oto player goroutine.
func (q *byteQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 && q.closed {
		q.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	q.mu.Unlock()
	q.nread.Add(int64(n))
	return n, nil
}

func (q *byteQueue) drained() int64 { return q.nread.Load() }

func (q *byteQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// discardPending drops unread bytes and accounts them as drained.
func (q *byteQueue) discardPending() {
	q.mu.Lock()
	q.nread.Add(int64(len(q.buf)))
	q.buf = nil
	q.mu.Unlock()
}

func (q *byteQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
