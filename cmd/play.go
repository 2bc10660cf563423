package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drgolem/audiosink/internal/feeder"
	"github.com/drgolem/audiosink/pkg/audiosink"
	"github.com/drgolem/audiosink/pkg/device"
	"github.com/drgolem/audiosink/pkg/device/otoout"
	"github.com/drgolem/audiosink/pkg/device/paout"
	"github.com/drgolem/audiosink/pkg/frame"
)

const (
	version = "1.0.0"
)

var (
	backendName string
	deviceIdx   int
	frameMs     int
	queueMs     int
	targetRate  int
	volume      float32
	playSpeed   float32
	showVersion bool
	verbose     bool
)

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play <audio_file.wav>",
	Short: "Play a WAV file through the frame sink",
	Long: `Plays a PCM WAV file by slicing it into fixed-duration frames, stamping each
with its presentation timestamp and streaming them through the sink's playback
queue. Queue status is reported every 2 seconds.

Examples:
  # Play through the default PortAudio device
  audiosink play music.wav

  # Play through the oto backend (no PortAudio required)
  audiosink play --backend oto music.wav

  # Pick a specific PortAudio output device (see: audiosink devices)
  audiosink play --device 3 music.wav

  # Resample to 48 kHz and play at half volume
  audiosink play --rate 48000 --volume 0.5 music.wav

  # Faster playback with smaller frames
  audiosink play --speed 1.5 --frame-ms 16 music.wav

Queue Tuning:
  The sink queues queue-ms worth of audio split into frame-ms slices, so the
  pool holds queue-ms/frame-ms frames. Larger queues ride out scheduling
  hiccups, smaller ones reduce the latency of speed and volume changes.

Supported Input:
  WAV: .wav (PCM, 8/16/24/32-bit; resampling requires 16-bit)`,
	Args: cobra.ExactArgs(1),
	Run:  runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().StringVarP(&backendName, "backend", "b", "portaudio", "Output backend: portaudio or oto")
	playCmd.Flags().IntVarP(&deviceIdx, "device", "d", -1, "PortAudio output device index, -1 for default")
	playCmd.Flags().IntVar(&frameMs, "frame-ms", 32, "Frame slice duration in milliseconds")
	playCmd.Flags().IntVar(&queueMs, "queue-ms", 1024, "Playback queue duration in milliseconds")
	playCmd.Flags().IntVarP(&targetRate, "rate", "r", 0, "Resample to this rate in Hz, 0 keeps the source rate")
	playCmd.Flags().Float32Var(&volume, "volume", 1.0, "Playback volume [0.0 .. 1.0]")
	playCmd.Flags().Float32Var(&playSpeed, "speed", 1.0, "Playback speed [0.5 .. 2.0]")
	playCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	playCmd.Flags().BoolVar(&showVersion, "version", false, "Show version information")
}

func newOutputDevice() (device.Device, error) {
	switch backendName {
	case "portaudio":
		cfg := paout.DefaultConfig()
		cfg.DeviceIndex = deviceIdx
		return paout.New(cfg), nil
	case "oto":
		return otoout.New(), nil
	}
	return nil, fmt.Errorf("unknown backend %q, use portaudio or oto", backendName)
}

func runPlay(cmd *cobra.Command, args []string) {
	if showVersion {
		fmt.Printf("audiosink v%s\n", version)
		os.Exit(0)
	}

	fileName := args[0]

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		slog.Error("File not found", "path", fileName)
		os.Exit(1)
	}

	dev, err := newOutputDevice()
	if err != nil {
		slog.Error("Failed to select backend", "error", err)
		os.Exit(1)
	}

	sink, err := audiosink.New(dev, audiosink.DefaultConfig())
	if err != nil {
		slog.Error("Failed to open output device", "backend", backendName, "error", err)
		os.Exit(1)
	}
	defer sink.Destroy()

	slog.Info("Output device opened",
		"backend", backendName,
		"native_format", sink.PreferredFormat().String())

	f := feeder.New(sink, feeder.Config{
		FrameDuration: time.Duration(frameMs) * time.Millisecond,
		QueueDuration: time.Duration(queueMs) * time.Millisecond,
		TargetRate:    targetRate,
		PlaySpeed:     playSpeed,
		Volume:        volume,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Signal received, stopping playback", "signal", sig)
		cancel()
	}()

	statusDone := make(chan struct{})
	go monitorSink(sink, statusDone)
	defer close(statusDone)

	if err := f.PlayFile(ctx, fileName); err != nil && ctx.Err() == nil {
		slog.Error("Playback failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Exiting")
}

// monitorSink logs queue status every 2 seconds until done is closed.
func monitorSink(sink *audiosink.Sink, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := sink.Status()
			if st.Capacity == 0 {
				continue
			}
			pts := "n/a"
			if st.PTS != frame.InvalidPTS {
				pts = (time.Duration(st.PTS) * time.Millisecond).Round(time.Millisecond).String()
			}
			slog.Info("Queue status",
				"pts", pts,
				"playing", st.PlayingFrames,
				"free", st.FreeFrames,
				"capacity", st.Capacity,
				"queued", st.QueuedDuration.Round(time.Millisecond),
				"avg_frame", st.AvgFrameDuration.Round(time.Millisecond),
				"enqueued", st.EnqueuedFrames,
				"mode", reclaimMode(st.EventMode))
		}
	}
}

func reclaimMode(event bool) string {
	if event {
		return "event"
	}
	return "poll"
}
