// Package audio holds the in-memory sample representation shared by the
// capture and extraction paths, the PCM16 WAV codec, and the offline
// resampler that brings any buffer to the transcription sample rate.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// TranscriptionSampleRate is the rate every payload is normalized to before upload.
const TranscriptionSampleRate = 16000

var (
	// ErrDecode reports that an encoded blob could not be turned into samples.
	ErrDecode = errors.New("audio: decode failed")
	// ErrResample reports that the render graph failed while resampling.
	ErrResample = errors.New("audio: resample failed")
	// ErrInvalidBuffer reports a SampleBuffer that violates its invariants.
	ErrInvalidBuffer = errors.New("audio: invalid sample buffer")
)

// SampleBuffer is a block of float samples in [-1, 1], one slice per channel.
// All channel slices have the same length. A buffer has a single owner at a
// time; pipeline stages hand it on rather than share it.
type SampleBuffer struct {
	SampleRate int
	Channels   [][]float32
}

// NewSampleBuffer allocates a zeroed buffer of the given shape.
func NewSampleBuffer(sampleRate, channels, frames int) *SampleBuffer {
	b := &SampleBuffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for i := range b.Channels {
		b.Channels[i] = make([]float32, frames)
	}
	return b
}

// Frames returns the number of samples per channel.
func (b *SampleBuffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumChannels returns the channel count.
func (b *SampleBuffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Duration returns the playback length of the buffer.
func (b *SampleBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(b.Frames()) / float64(b.SampleRate) * float64(time.Second))
}

// Validate checks the buffer invariants: positive rate, one or two
// channels, and equal channel lengths.
func (b *SampleBuffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	}
	if b.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be > 0, got %d", ErrInvalidBuffer, b.SampleRate)
	}
	if n := len(b.Channels); n < 1 || n > 2 {
		return fmt.Errorf("%w: channel count must be 1 or 2, got %d", ErrInvalidBuffer, n)
	}
	frames := len(b.Channels[0])
	for i, ch := range b.Channels[1:] {
		if len(ch) != frames {
			return fmt.Errorf("%w: channel %d has %d frames, channel 0 has %d", ErrInvalidBuffer, i+1, len(ch), frames)
		}
	}
	return nil
}

// EncodedBlob is an opaque encoded audio byte sequence tagged with its MIME type.
type EncodedBlob struct {
	MIME string
	Data []byte
}

// Len returns the blob size in bytes.
func (b EncodedBlob) Len() int {
	return len(b.Data)
}

// ConcatBlobs joins chunks in arrival order into one blob. The MIME type of
// the first chunk wins; an empty mime falls back to fallbackMIME.
func ConcatBlobs(chunks []EncodedBlob, fallbackMIME string) EncodedBlob {
	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	out := EncodedBlob{MIME: fallbackMIME, Data: make([]byte, 0, size)}
	if len(chunks) > 0 && chunks[0].MIME != "" {
		out.MIME = chunks[0].MIME
	}
	for _, c := range chunks {
		out.Data = append(out.Data, c.Data...)
	}
	return out
}
