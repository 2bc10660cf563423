// Plays a 440 Hz sine tone for a few seconds through the oto backend,
// printing the presentation clock as frames are reclaimed.
package main

import (
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/drgolem/audiosink/pkg/audiosink"
	"github.com/drgolem/audiosink/pkg/device/otoout"
	"github.com/drgolem/audiosink/pkg/frame"
)

const (
	toneHz  = 440.0
	seconds = 5
)

func main() {
	sink, err := audiosink.New(otoout.New(), audiosink.DefaultConfig())
	if err != nil {
		slog.Error("Failed to open device", "error", err)
		os.Exit(1)
	}
	defer sink.Destroy()

	format := sink.PreferredFormat()
	if err := sink.Init(format, 32*time.Millisecond, 512*time.Millisecond); err != nil {
		slog.Error("Failed to initialize sink", "error", err)
		os.Exit(1)
	}
	if err := sink.Play(); err != nil {
		slog.Error("Failed to start playback", "error", err)
		os.Exit(1)
	}
	slog.Info("Playing tone", "freq_hz", toneHz, "format", format.String())

	frameBytes := format.DurationBytes(32 * time.Millisecond)
	buf := make([]byte, frameBytes)
	sampleIdx := 0
	total := seconds * time.Second

	for pts := time.Duration(0); pts < total; pts += 32 * time.Millisecond {
		sampleIdx = fillSine(buf, format, sampleIdx)
		if _, err := sink.Enqueue(pts.Milliseconds(), buf); err != nil {
			slog.Error("Enqueue failed", "error", err)
			os.Exit(1)
		}
	}

	for sink.QueuedFrameCount() > 0 {
		pts, err := sink.UpdateQueue()
		if err != nil {
			slog.Error("Queue update failed", "error", err)
			os.Exit(1)
		}
		if pts != frame.InvalidPTS {
			slog.Info("Clock", "pts_ms", pts, "queued", sink.QueuedFrameCount())
		}
		time.Sleep(250 * time.Millisecond)
	}
	sink.Stop()
}

// fillSine writes interleaved 16-bit sine samples, returning the running
// sample index so consecutive frames stay phase-continuous.
func fillSine(buf []byte, f frame.Format, sampleIdx int) int {
	step := 2 * math.Pi * toneHz / float64(f.SampleRate)
	for i := 0; i+f.BytesPerFrame() <= len(buf); i += f.BytesPerFrame() {
		v := int16(0.3 * math.MaxInt16 * math.Sin(float64(sampleIdx)*step))
		for ch := 0; ch < f.Channels; ch++ {
			buf[i+2*ch] = byte(v)
			buf[i+2*ch+1] = byte(v >> 8)
		}
		sampleIdx++
	}
	return sampleIdx
}
