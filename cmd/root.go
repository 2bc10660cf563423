package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "audiosink",
	Short: "Time-stamped audio frame sink with a fixed-capacity playback queue",
	Long: `audiosink - A PCM playback engine built around a fixed pool of frame slots
queued on the output device and reclaimed as the hardware consumes them.

Features:
  - Fixed-capacity frame pool with lock-free free/playing FIFO sets
  - Event-driven or polled reclamation of consumed device buffers
  - Presentation clock extrapolated from reclaimed frame timestamps
  - Playback speed and volume control with range clamping
  - PortAudio and oto output backends
  - WAV playback with optional SoXR resampling

Commands:
  - play: Play a WAV file with real-time queue monitoring
  - devices: List available audio output devices`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
