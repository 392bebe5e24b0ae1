// Package capture records short utterances from a microphone-backed input
// device. A Session acquires the device, buffers encoded chunks, enforces a
// maximum duration, and finalizes everything into decoded samples.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/voicepipe/internal/audio"
)

// Defaults for live capture.
const (
	DefaultMaxDuration    = 10 * time.Second
	DefaultFlushInterval  = 100 * time.Millisecond
	DefaultAcquireTimeout = 10 * time.Second
	DefaultFinalizeWait   = 5 * time.Second
	DefaultDecodeTimeout  = 15 * time.Second
)

var (
	// ErrDeviceUnavailable reports that the input device could not be acquired.
	ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")
	// ErrEmptyRecording reports that no audio bytes were captured.
	ErrEmptyRecording = errors.New("capture: recording is empty")
	// ErrInvalidState reports an operation that the current state does not allow.
	ErrInvalidState = errors.New("capture: invalid session state")
	// ErrCancelled reports that the session was cancelled before it finished.
	ErrCancelled = errors.New("capture: session cancelled")
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Constraints are the requested properties of the input device.
type Constraints struct {
	Channels         int
	SampleRate       int // 0 lets the device pick
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints asks for mono, echo-cancelled, noise-suppressed input.
func DefaultConstraints() Constraints {
	return Constraints{
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Provider hands out input devices.
type Provider interface {
	// Acquire opens an input device. The caller must Release it.
	Acquire(ctx context.Context, c Constraints) (Device, error)
}

// Device is an acquired input device.
type Device interface {
	// Supports reports whether the device can encode into the container mime.
	Supports(mime string) bool
	// NewEncoder creates an encoder over the device stream. An empty mime
	// selects the device default.
	NewEncoder(mime string) (Encoder, error)
	// Release frees the device. It is called exactly once per acquisition.
	Release() error
}

// Encoder turns the device stream into encoded chunks.
type Encoder interface {
	// Start begins emitting one chunk per flush interval. The channel is
	// closed after Stop has delivered the final chunk.
	Start(flushInterval time.Duration) (<-chan audio.EncodedBlob, error)
	// Stop asks the encoder to finalize.
	Stop() error
}

// Decoder turns an encoded recording into samples at its native rate.
type Decoder interface {
	Decode(ctx context.Context, blob audio.EncodedBlob) (*audio.SampleBuffer, error)
}

// PreferredFormats lists container formats in order of preference. The
// empty entry is the device default.
var PreferredFormats = []string{"audio/webm", "audio/wav", ""}

// SelectFormat returns the first preferred format the device supports.
func SelectFormat(d Device) string {
	for _, f := range PreferredFormats {
		if f == "" || d.Supports(f) {
			return f
		}
	}
	return ""
}

// BlobDecoder decodes WAV recordings natively and hands any other
// container to Fallback.
type BlobDecoder struct {
	Fallback Decoder
}

// Decode implements Decoder.
func (d BlobDecoder) Decode(ctx context.Context, blob audio.EncodedBlob) (*audio.SampleBuffer, error) {
	if isWAV(blob) {
		return audio.DecodeWAV(blob.Data)
	}
	if d.Fallback == nil {
		return nil, fmt.Errorf("%w: no decoder for %q", audio.ErrDecode, blob.MIME)
	}
	return d.Fallback.Decode(ctx, blob)
}

func isWAV(blob audio.EncodedBlob) bool {
	mime := strings.ToLower(blob.MIME)
	if strings.HasPrefix(mime, "audio/wav") || strings.HasPrefix(mime, "audio/x-wav") || strings.HasPrefix(mime, "audio/wave") {
		return true
	}
	return len(blob.Data) >= 12 && string(blob.Data[0:4]) == "RIFF" && string(blob.Data[8:12]) == "WAVE"
}
