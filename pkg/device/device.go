// Package device defines the narrow contract the audio sink core drives a
// playback device through. Implementations wrap a concrete backend (PortAudio,
// oto) and own all transport-level detail: buffer storage, voice lifecycle,
// transport state and gain/pitch. The sink core never touches a backend
// directly.
package device

import (
	"errors"
	"time"

	"github.com/drgolem/audiosink/pkg/frame"
)

var (
	// ErrUnsupportedFormat is returned by NegotiateFormat when the device
	// cannot play the requested format natively.
	ErrUnsupportedFormat = errors.New("device: unsupported audio format")

	// ErrNoCompletionEvents is returned by RegisterCompletionCallback when
	// the backend has no asynchronous completion notification; callers fall
	// back to polling ProcessedBufferCount.
	ErrNoCompletionEvents = errors.New("device: completion events not supported")
)

// DeviceFormat is an opaque device-native format descriptor produced by
// NegotiateFormat and passed back verbatim on SubmitBuffer.
type DeviceFormat int

// BufferID names one device buffer. IDs are allocated by AllocateBuffers and
// stay valid until released.
type BufferID = int

// TransportState is the physical playback state as the device reports it,
// which may lag or disagree with the caller's logical play/pause intent.
type TransportState int

const (
	StateStopped TransportState = iota
	StatePaused
	StatePlaying
)

func (s TransportState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	}
	return "unknown"
}

// CompletionFunc is invoked by the device, on a goroutine the device owns,
// each time it finishes consuming queued buffers. buffers is the number of
// buffers newly completed since the previous invocation.
type CompletionFunc func(buffers int)

// Device is the playback collaborator contract.
//
// All methods except the completion callback are driven from a single caller
// goroutine, bracketed by AcquireContext/ReleaseContext. Buffers submitted
// with SubmitBuffer are consumed strictly in submission order;
// UnqueueBuffers returns handles in that same order.
type Device interface {
	Open() error
	Close() error

	// AcquireContext and ReleaseContext bracket every batch of device
	// operations. For backends with a real context (OpenAL-style) this is
	// makeCurrent/release; others use it as a plain mutex.
	AcquireContext()
	ReleaseContext()

	// Latency returns the backend's mixer refresh interval, used to seed
	// the average frame duration estimate.
	Latency() time.Duration

	// NativeFormat returns the format the device plays without conversion.
	NativeFormat() frame.Format

	NegotiateFormat(f frame.Format) (DeviceFormat, error)

	CreateVoice() error
	DestroyVoice() error

	AllocateBuffers(n int) ([]BufferID, error)
	ReleaseBuffers(ids []BufferID) error

	// SubmitBuffer installs data into the named buffer and appends it to
	// the playback queue.
	SubmitBuffer(id BufferID, df DeviceFormat, sampleRate int, data []byte) error

	// ProcessedBufferCount reports how many queued buffers the device has
	// finished consuming but not yet unqueued.
	ProcessedBufferCount() int

	// UnqueueBuffers removes up to n processed buffers from the playback
	// queue and returns their handles in consumption order. During a flush
	// it is called with more buffers than have been processed and must
	// detach them all regardless.
	UnqueueBuffers(n int) ([]BufferID, error)

	Play() error
	Pause() error
	Stop() error
	TransportState() TransportState

	SetPitch(p float32) error
	SetGain(g float32) error

	RegisterCompletionCallback(fn CompletionFunc) error
	UnregisterCompletionCallback()
}
