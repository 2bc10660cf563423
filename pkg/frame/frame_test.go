package frame

import (
	"testing"
	"time"
)

func TestFormatBytesPerFrame(t *testing.T) {
	tests := []struct {
		format Format
		want   int
	}{
		{Format{44100, 2, 16}, 4},
		{Format{48000, 1, 16}, 2},
		{Format{48000, 6, 24}, 18},
		{Format{8000, 1, 8}, 1},
	}
	for _, tc := range tests {
		if got := tc.format.BytesPerFrame(); got != tc.want {
			t.Errorf("%s BytesPerFrame = %d, want %d", tc.format, got, tc.want)
		}
	}
}

func TestFormatDurationRoundTrip(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

	if got := f.DurationBytes(time.Second); got != 48000*4 {
		t.Errorf("DurationBytes(1s) = %d, want %d", got, 48000*4)
	}
	if got := f.BytesDuration(48000 * 4); got != time.Second {
		t.Errorf("BytesDuration(1s worth) = %v, want 1s", got)
	}
	if got := f.BytesDuration(f.DurationBytes(32 * time.Millisecond)); got != 32*time.Millisecond {
		t.Errorf("round trip 32ms = %v", got)
	}
	if got := f.BytesDuration(0); got != 0 {
		t.Errorf("BytesDuration(0) = %v, want 0", got)
	}
}

func TestFormatFrameCount(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	tests := []struct {
		queue, frame time.Duration
		want         int
	}{
		{time.Second, 250 * time.Millisecond, 4},
		{time.Second, 300 * time.Millisecond, 3},
		{100 * time.Millisecond, time.Second, 1},
		{time.Second, 0, 1},
	}
	for _, tc := range tests {
		if got := f.FrameCount(tc.queue, tc.frame); got != tc.want {
			t.Errorf("FrameCount(%v, %v) = %d, want %d", tc.queue, tc.frame, got, tc.want)
		}
	}
}
