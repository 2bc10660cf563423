package frame

import (
	"fmt"
	"math"
	"time"
)

// InvalidPTS marks a presentation timestamp as unset. The playback clock
// reads this value after a flush and before the first reclaimed frame.
const InvalidPTS int64 = math.MinInt64

// Format describes an interleaved PCM stream.
type Format struct {
	SampleRate    int // Sample rate in Hz (e.g. 44100, 48000)
	Channels      int // Number of channels (1=mono, 2=stereo, up to 8)
	BitsPerSample int // Bits per sample (8, 16, 24 or 32)
}

// BytesPerFrame returns the size of one sample frame across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// BytesDuration returns the playback duration of byteCount bytes of audio
// in this format.
func (f Format) BytesDuration(byteCount int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	samples := byteCount / bpf
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// DurationBytes returns the number of bytes covering d of audio in this
// format, rounded down to a whole sample frame.
func (f Format) DurationBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BytesPerFrame()
}

// FrameCount returns how many frames of frameDuration fit into queueDuration,
// at least one.
func (f Format) FrameCount(queueDuration, frameDuration time.Duration) int {
	if frameDuration <= 0 {
		return 1
	}
	n := int(queueDuration / frameDuration)
	if n < 1 {
		n = 1
	}
	return n
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz %dch %dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Frame is one playback slot's bookkeeping record. The Buffer field names the
// backing device buffer and never changes after pool construction; PTS,
// Duration and ByteSize are stamped when the slot is filled for enqueue and
// are meaningless once the slot returns to the free set.
type Frame struct {
	PTS      int64         // Presentation timestamp in stream time units (ms)
	Duration time.Duration // Estimated playback duration of this frame's data
	ByteSize int           // Bytes submitted to the device buffer
	Buffer   int           // Device buffer handle backing this slot
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame[pts %d ms, d %v, %d bytes, buffer %d]",
		f.PTS, f.Duration, f.ByteSize, f.Buffer)
}
