// Package feeder pushes WAV file audio through a sink, slicing the decoded
// stream into fixed-duration frames and stamping each with its presentation
// timestamp. It is the producer side of the sink's SPSC contract: one
// goroutine calls Enqueue, backpressure is absorbed by the sink itself.
package feeder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/youpy/go-wav"
	soxr "github.com/zaf/resample"

	"github.com/drgolem/audiosink/pkg/audiosink"
	"github.com/drgolem/audiosink/pkg/frame"
)

type Config struct {
	// FrameDuration is the slice size handed to the sink per enqueue.
	FrameDuration time.Duration

	// QueueDuration sizes the sink's playback queue.
	QueueDuration time.Duration

	// TargetRate resamples the file to this rate before playback, 0 keeps
	// the source rate.
	TargetRate int

	// UpdateInterval paces reclamation polls while waiting for free slots
	// or draining at end of stream.
	UpdateInterval time.Duration

	// PlaySpeed and Volume are applied right after the sink is initialized.
	// PlaySpeed <= 0 and Volume < 0 keep the sink defaults.
	PlaySpeed float32
	Volume    float32

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		FrameDuration:  audiosink.DefaultFrameDuration,
		QueueDuration:  audiosink.DefaultQueueDuration,
		UpdateInterval: 10 * time.Millisecond,
		PlaySpeed:      1.0,
		Volume:         1.0,
	}
}

// Feeder streams decoded WAV audio into a sink.
type Feeder struct {
	sink *audiosink.Sink
	cfg  Config
	log  *slog.Logger
}

func New(sink *audiosink.Sink, cfg Config) *Feeder {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audiosink.DefaultFrameDuration
	}
	if cfg.QueueDuration <= 0 {
		cfg.QueueDuration = audiosink.DefaultQueueDuration
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feeder{sink: sink, cfg: cfg, log: cfg.Logger}
}

// PlayFile decodes fileName, initializes the sink for the resulting format
// and plays the file to the end, blocking until the last queued frame has
// been consumed by the device. Cancelling ctx stops playback and flushes
// whatever is still queued.
func (f *Feeder) PlayFile(ctx context.Context, fileName string) error {
	payload, format, err := f.loadWAV(fileName)
	if err != nil {
		return err
	}

	if f.cfg.TargetRate > 0 && f.cfg.TargetRate != format.SampleRate {
		if format.BitsPerSample != 16 {
			return fmt.Errorf("resampling needs 16-bit PCM, file is %d-bit", format.BitsPerSample)
		}
		payload, err = resamplePCM(payload, format.SampleRate, f.cfg.TargetRate, format.Channels)
		if err != nil {
			return fmt.Errorf("resample %d -> %d Hz: %w", format.SampleRate, f.cfg.TargetRate, err)
		}
		format.SampleRate = f.cfg.TargetRate
	}

	if !f.sink.IsSupported(format) {
		return fmt.Errorf("format %s not supported by the output device", format)
	}
	if err := f.sink.Init(format, f.cfg.FrameDuration, f.cfg.QueueDuration); err != nil {
		return fmt.Errorf("init sink: %w", err)
	}
	if f.cfg.PlaySpeed > 0 && f.cfg.PlaySpeed != 1.0 {
		if err := f.sink.SetPlaySpeed(f.cfg.PlaySpeed); err != nil {
			return fmt.Errorf("set play speed %.2f: %w", f.cfg.PlaySpeed, err)
		}
	}
	if f.cfg.Volume >= 0 && f.cfg.Volume != 1.0 {
		if err := f.sink.SetVolume(f.cfg.Volume); err != nil {
			return fmt.Errorf("set volume %.2f: %w", f.cfg.Volume, err)
		}
	}
	if err := f.sink.Play(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	f.log.Info("Playback started",
		"file", filepath.Base(fileName),
		"format", format.String(),
		"duration", format.BytesDuration(len(payload)).Round(time.Millisecond),
		"frame_capacity", f.sink.FrameCapacity())

	frameBytes := format.DurationBytes(f.cfg.FrameDuration)
	if frameBytes == 0 {
		return fmt.Errorf("frame duration %v too short for format %s", f.cfg.FrameDuration, format)
	}

	for offset := 0; offset < len(payload); offset += frameBytes {
		if err := ctx.Err(); err != nil {
			return f.abort(err)
		}
		// Enqueue blocks on a full pool only while the transport is
		// running. When it is not, pace manually off reclamation.
		for f.sink.FreeFrameCount() == 0 && !f.sink.IsPlaying() {
			if _, err := f.sink.UpdateQueue(); err != nil {
				return f.abort(err)
			}
			if err := sleepCtx(ctx, f.cfg.UpdateInterval); err != nil {
				return f.abort(err)
			}
		}

		end := offset + frameBytes
		if end > len(payload) {
			end = len(payload)
		}
		pts := format.BytesDuration(offset).Milliseconds()
		if _, err := f.sink.Enqueue(pts, payload[offset:end]); err != nil {
			return f.abort(fmt.Errorf("enqueue frame at %d ms: %w", pts, err))
		}
	}

	// Drain: keep reclaiming until the device has consumed everything.
	for f.sink.QueuedFrameCount() > 0 {
		if err := ctx.Err(); err != nil {
			return f.abort(err)
		}
		if _, err := f.sink.UpdateQueue(); err != nil {
			return f.abort(err)
		}
		if err := sleepCtx(ctx, f.cfg.UpdateInterval); err != nil {
			return f.abort(err)
		}
	}

	f.log.Info("Playback finished",
		"file", filepath.Base(fileName),
		"frames", f.sink.EnqueuedFrameCount())
	return f.sink.Stop()
}

// abort flushes the queue so a cancelled playback does not leave audio
// trickling out of the device.
func (f *Feeder) abort(cause error) error {
	if err := f.sink.Flush(); err != nil {
		f.log.Warn("Flush after aborted playback failed", "error", err)
	}
	return cause
}

// loadWAV reads the whole PCM payload of a WAV file.
func (f *Feeder) loadWAV(fileName string) ([]byte, frame.Format, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, frame.Format{}, fmt.Errorf("open %s: %w", fileName, err)
	}
	defer file.Close()

	reader := wav.NewReader(file)
	wavFormat, err := reader.Format()
	if err != nil {
		return nil, frame.Format{}, fmt.Errorf("read WAV header: %w", err)
	}
	if wavFormat.AudioFormat != wav.AudioFormatPCM {
		return nil, frame.Format{}, fmt.Errorf("unsupported WAV format %d, only PCM", wavFormat.AudioFormat)
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, frame.Format{}, fmt.Errorf("read WAV data: %w", err)
	}

	format := frame.Format{
		SampleRate:    int(wavFormat.SampleRate),
		Channels:      int(wavFormat.NumChannels),
		BitsPerSample: int(wavFormat.BitsPerSample),
	}
	f.log.Info("Audio file opened",
		"file", filepath.Base(fileName),
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"bits_per_sample", format.BitsPerSample)
	return payload, format, nil
}

// resamplePCM converts 16-bit PCM between sample rates with SoXR.
func resamplePCM(data []byte, fromRate, toRate, channels int) ([]byte, error) {
	var out bytes.Buffer
	w := bufio.NewWriter(&out)

	resampler, err := soxr.New(w, float64(fromRate), float64(toRate), channels, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	if _, err := resampler.Write(data); err != nil {
		resampler.Close()
		return nil, fmt.Errorf("resample: %w", err)
	}
	if err := resampler.Close(); err != nil {
		return nil, fmt.Errorf("finish resample: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
