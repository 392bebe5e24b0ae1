package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-audio/wav"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE PCM header.
const WAVHeaderSize = 44

const (
	wavFormatPCM     = 1
	wavBitsPerSample = 16

	// streamingSize marks a RIFF or data length that was unknown when the
	// header was written.
	streamingSize = 0xFFFFFFFF
)

// WAV is an immutable PCM16 RIFF/WAVE payload.
type WAV []byte

// WAVHeader holds the fields of the canonical 44-byte header.
type WAVHeader struct {
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataLen       uint32
}

// Header parses the canonical header at the start of the payload.
func (w WAV) Header() (WAVHeader, error) {
	if len(w) < WAVHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: wav data too short: need at least %d bytes, got %d", ErrDecode, WAVHeaderSize, len(w))
	}
	if string(w[0:4]) != "RIFF" || string(w[8:12]) != "WAVE" {
		return WAVHeader{}, fmt.Errorf("%w: missing RIFF/WAVE signature", ErrDecode)
	}
	if string(w[12:16]) != "fmt " || string(w[36:40]) != "data" {
		return WAVHeader{}, fmt.Errorf("%w: non-canonical chunk layout", ErrDecode)
	}
	le := binary.LittleEndian
	return WAVHeader{
		RIFFSize:      le.Uint32(w[4:8]),
		AudioFormat:   le.Uint16(w[20:22]),
		Channels:      le.Uint16(w[22:24]),
		SampleRate:    le.Uint32(w[24:28]),
		ByteRate:      le.Uint32(w[28:32]),
		BlockAlign:    le.Uint16(w[32:34]),
		BitsPerSample: le.Uint16(w[34:36]),
		DataLen:       le.Uint32(w[40:44]),
	}, nil
}

// IsPCM16 reports whether w is a complete, self-consistent PCM16 payload
// at the given sample rate.
func (w WAV) IsPCM16(sampleRate int) bool {
	h, err := w.Header()
	if err != nil {
		return false
	}
	if h.AudioFormat != wavFormatPCM || h.BitsPerSample != wavBitsPerSample {
		return false
	}
	if h.Channels < 1 || h.Channels > 2 || int(h.SampleRate) != sampleRate {
		return false
	}
	if h.ByteRate != h.SampleRate*uint32(h.Channels)*2 || h.BlockAlign != h.Channels*2 {
		return false
	}
	return int(h.DataLen) == len(w)-WAVHeaderSize && h.RIFFSize == 36+h.DataLen
}

// QuantizePCM16 clamps s to [-1, 1] and maps it to a signed 16-bit sample.
// Negative values scale by 32768 and non-negative values by 32767.
func QuantizePCM16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// pcm16ToFloat is the inverse of QuantizePCM16.
func pcm16ToFloat(v int) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// Interleave merges two equal-length channels into L,R,L,R order.
func Interleave(left, right []float32) []float32 {
	n := min(len(left), len(right))
	out := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		out[2*i] = left[i]
		out[2*i+1] = right[i]
	}
	return out
}

// EncodeWAV wraps buf in a PCM16 RIFF/WAVE container. Stereo input is
// interleaved; any other channel count encodes channel 0 only.
func EncodeWAV(buf *SampleBuffer) WAV {
	channels := 1
	var samples []float32
	switch {
	case buf.NumChannels() == 2:
		channels = 2
		samples = Interleave(buf.Channels[0], buf.Channels[1])
	case buf.NumChannels() >= 1:
		samples = buf.Channels[0]
	}

	dataLen := len(samples) * 2
	out := make([]byte, WAVHeaderSize+dataLen)
	writeHeader(out, buf.SampleRate, channels, dataLen)

	pcm := out[WAVHeaderSize:]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(QuantizePCM16(s)))
	}
	return WAV(out)
}

// StreamingWAVHeader returns a header whose size fields are the streaming
// placeholder, for encoders that do not know the final length up front.
func StreamingWAVHeader(sampleRate, channels int) []byte {
	h := make([]byte, WAVHeaderSize)
	writeHeader(h, sampleRate, channels, 0)
	binary.LittleEndian.PutUint32(h[4:8], streamingSize)
	binary.LittleEndian.PutUint32(h[40:44], streamingSize)
	return h
}

func writeHeader(b []byte, sampleRate, channels, dataLen int) {
	le := binary.LittleEndian
	copy(b[0:4], "RIFF")
	le.PutUint32(b[4:8], uint32(36+dataLen))
	copy(b[8:12], "WAVE")
	copy(b[12:16], "fmt ")
	le.PutUint32(b[16:20], 16)
	le.PutUint16(b[20:22], wavFormatPCM)
	le.PutUint16(b[22:24], uint16(channels))
	le.PutUint32(b[24:28], uint32(sampleRate))
	le.PutUint32(b[28:32], uint32(sampleRate*channels*2))
	le.PutUint16(b[32:34], uint16(channels*2))
	le.PutUint16(b[34:36], wavBitsPerSample)
	copy(b[36:40], "data")
	le.PutUint32(b[40:44], uint32(dataLen))
}

// DecodeWAV parses a PCM16 WAV payload into a SampleBuffer. Headers
// written by streaming encoders, whose size fields are placeholders or
// overrun the data, are patched from the actual length first.
func DecodeWAV(data []byte) (*SampleBuffer, error) {
	data = patchStreamingHeader(data)

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrDecode)
	}
	if dec.WavAudioFormat != wavFormatPCM || dec.BitDepth != wavBitsPerSample {
		return nil, fmt.Errorf("%w: unsupported wav encoding (format %d, %d bits)", ErrDecode, dec.WavAudioFormat, dec.BitDepth)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: reading pcm: %w", ErrDecode, err)
	}

	channels := pcm.Format.NumChannels
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrDecode, channels)
	}
	frames := len(pcm.Data) / channels
	out := NewSampleBuffer(pcm.Format.SampleRate, channels, frames)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out.Channels[c][i] = pcm16ToFloat(pcm.Data[i*channels+c])
		}
	}
	return out, nil
}

// patchStreamingHeader returns data with RIFF and data lengths rewritten
// from the real payload size when the canonical header carries
// placeholder or overrunning sizes. data itself is never modified.
func patchStreamingHeader(data []byte) []byte {
	h, err := WAV(data).Header()
	if err != nil {
		return data
	}
	actual := uint32(len(data) - WAVHeaderSize)
	if h.DataLen == actual && h.RIFFSize == 36+actual {
		return data
	}
	if h.DataLen != streamingSize && h.DataLen != 0 && h.DataLen < actual {
		// Trailing chunks after data; leave the layout to the decoder.
		return data
	}
	if h.BlockAlign > 0 {
		actual -= actual % uint32(h.BlockAlign)
	}
	patched := make([]byte, WAVHeaderSize+int(actual))
	copy(patched, data[:WAVHeaderSize+int(actual)])
	binary.LittleEndian.PutUint32(patched[4:8], 36+actual)
	binary.LittleEndian.PutUint32(patched[40:44], actual)
	return patched
}
