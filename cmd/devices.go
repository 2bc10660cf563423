package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drgolem/go-portaudio/portaudio"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available audio output devices",
	Long: `Lists the PortAudio output devices with their index, channel count, default
sample rate and latency. Pass an index to the play command with --device.

Examples:
  # List devices
  audiosink devices

  # Play through device 3
  audiosink play --device 3 music.wav`,
	Args: cobra.NoArgs,
	Run:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) {
	if err := portaudio.Initialize(); err != nil {
		slog.Error("Failed to initialize PortAudio", "error", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		slog.Error("Failed to enumerate devices", "error", err)
		os.Exit(1)
	}

	defaultIdx := -1
	if d, err := portaudio.DefaultOutputDevice(); err == nil {
		defaultIdx = d.Index
	}

	fmt.Printf("%-5s %-40s %-8s %-10s %s\n", "IDX", "NAME", "OUT CH", "RATE", "LATENCY")
	for _, d := range devices {
		if d.MaxOutputChannels < 1 {
			continue
		}
		marker := " "
		if d.Index == defaultIdx {
			marker = "*"
		}
		latency := time.Duration(float64(d.DefaultHighOutputLatency) * float64(time.Second))
		fmt.Printf("%-5s %-40s %-8d %-10.0f %v\n",
			marker+fmt.Sprint(d.Index), d.Name, d.MaxOutputChannels,
			d.DefaultSampleRate, latency.Round(time.Millisecond))
	}
}
