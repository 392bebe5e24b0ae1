package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func sineBuffer(rate, channels, frames int, freq float64) *SampleBuffer {
	buf := NewSampleBuffer(rate, channels, frames)
	for c := range buf.Channels {
		for i := range buf.Channels[c] {
			phase := float64(c) * math.Pi / 4
			buf.Channels[c][i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)+phase))
		}
	}
	return buf
}

func TestEncodeWAVHeaderExact(t *testing.T) {
	buf := NewSampleBuffer(16000, 1, 1600)
	w := EncodeWAV(buf)

	if len(w) != 3644 {
		t.Fatalf("len = %d, want 3644", len(w))
	}
	le := binary.LittleEndian
	if got := le.Uint32(w[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := le.Uint32(w[40:44]); got != 3200 {
		t.Errorf("data length = %d, want 3200", got)
	}

	want := []struct {
		name   string
		offset int
		value  uint32
		size   int
	}{
		{"riff size", 4, 36 + 3200, 4},
		{"fmt size", 16, 16, 4},
		{"format", 20, 1, 2},
		{"channels", 22, 1, 2},
		{"byte rate", 28, 32000, 4},
		{"block align", 32, 2, 2},
		{"bits", 34, 16, 2},
	}
	for _, tt := range want {
		var got uint32
		if tt.size == 2 {
			got = uint32(le.Uint16(w[tt.offset:]))
		} else {
			got = le.Uint32(w[tt.offset:])
		}
		if got != tt.value {
			t.Errorf("%s at %d = %d, want %d", tt.name, tt.offset, got, tt.value)
		}
	}
	for off, tag := range map[int]string{0: "RIFF", 8: "WAVE", 12: "fmt ", 36: "data"} {
		if string(w[off:off+4]) != tag {
			t.Errorf("bytes %d-%d = %q, want %q", off, off+3, w[off:off+4], tag)
		}
	}
}

func TestEncodeWAVStereoInterleaves(t *testing.T) {
	buf := &SampleBuffer{
		SampleRate: 8000,
		Channels:   [][]float32{{1, 0.5}, {-1, 0}},
	}
	w := EncodeWAV(buf)

	h, err := w.Header()
	if err != nil {
		t.Fatalf("Header() error = %v", err)
	}
	if h.Channels != 2 || h.BlockAlign != 4 || h.ByteRate != 8000*2*2 {
		t.Errorf("header = %+v, want stereo fields", h)
	}
	if h.DataLen != 8 {
		t.Errorf("DataLen = %d, want 8", h.DataLen)
	}

	pcm := w[WAVHeaderSize:]
	want := []int16{32767, -32768, 16384, 0}
	for i, v := range want {
		got := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		if got != v {
			t.Errorf("sample %d = %d, want %d", i, got, v)
		}
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	w := EncodeWAV(NewSampleBuffer(16000, 1, 0))
	if len(w) != WAVHeaderSize {
		t.Fatalf("len = %d, want %d", len(w), WAVHeaderSize)
	}
	if !w.IsPCM16(16000) {
		t.Error("empty payload should still be a consistent PCM16 wav")
	}
}

func TestQuantizePCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{1.5, 32767},
		{-2, -32768},
		{0.5, 16384},
		{-0.5, -16384},
		{float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		if got := QuantizePCM16(tt.in); got != tt.want {
			t.Errorf("QuantizePCM16(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, channels := range []int{1, 2} {
		for _, frames := range []int{1, 137, 10000} {
			buf := NewSampleBuffer(22050, channels, frames)
			for c := range buf.Channels {
				for i := range buf.Channels[c] {
					buf.Channels[c][i] = rng.Float32()*2 - 1
				}
			}

			got, err := DecodeWAV(EncodeWAV(buf))
			if err != nil {
				t.Fatalf("DecodeWAV(%dch, %d frames) error = %v", channels, frames, err)
			}
			if got.SampleRate != 22050 || got.NumChannels() != channels || got.Frames() != frames {
				t.Fatalf("decoded shape = %d Hz %dch %d frames", got.SampleRate, got.NumChannels(), got.Frames())
			}
			for c := range buf.Channels {
				for i := range buf.Channels[c] {
					if d := math.Abs(float64(got.Channels[c][i] - buf.Channels[c][i])); d > 1.0/32768 {
						t.Fatalf("ch %d sample %d differs by %g", c, i, d)
					}
				}
			}
		}
	}
}

func TestEncodeWAVReadableByGoAudio(t *testing.T) {
	w := EncodeWAV(sineBuffer(16000, 1, 1600, 440))

	dec := wav.NewDecoder(bytes.NewReader(w))
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer() error = %v", err)
	}
	if pcm.Format.SampleRate != 16000 || pcm.Format.NumChannels != 1 {
		t.Errorf("format = %+v", pcm.Format)
	}
	if len(pcm.Data) != 1600 {
		t.Errorf("samples = %d, want 1600", len(pcm.Data))
	}
}

func TestDecodeWAVFromGoAudioEncoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	const frames = 441
	data := make([]int, 2*frames)
	for i := 0; i < frames; i++ {
		data[2*i] = 16384
		data[2*i+1] = -16384
	}
	enc := wav.NewEncoder(f, 44100, 16, 2, wavFormatPCM)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: 44100},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	f.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeWAV(raw)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if got.SampleRate != 44100 || got.NumChannels() != 2 || got.Frames() != frames {
		t.Fatalf("decoded %dHz %dch %d frames", got.SampleRate, got.NumChannels(), got.Frames())
	}
	if math.Abs(float64(got.Channels[0][10])-0.5) > 1e-3 || got.Channels[1][10] != -0.5 {
		t.Errorf("samples = %v, %v; want 0.5, -0.5", got.Channels[0][10], got.Channels[1][10])
	}
}

func TestDecodeWAVStreamingHeader(t *testing.T) {
	src := EncodeWAV(sineBuffer(48000, 1, 480, 1000))
	streamed := append(StreamingWAVHeader(48000, 1), src[WAVHeaderSize:]...)
	// Dangling half sample from an interrupted flush.
	streamed = append(streamed, 0x01)

	got, err := DecodeWAV(streamed)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if got.Frames() != 480 {
		t.Errorf("frames = %d, want 480", got.Frames())
	}
	if binary.LittleEndian.Uint32(streamed[40:44]) != streamingSize {
		t.Error("DecodeWAV must not modify its input")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"short":     []byte("RIFF"),
		"not wav":   bytes.Repeat([]byte{0x1a, 0x45, 0xdf, 0xa3}, 32),
		"float wav": floatWAV(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeWAV(data)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("DecodeWAV() error = %v, want ErrDecode", err)
			}
		})
	}
}

func floatWAV() []byte {
	w := EncodeWAV(sineBuffer(16000, 1, 16, 440))
	binary.LittleEndian.PutUint16(w[20:22], 3)
	binary.LittleEndian.PutUint16(w[34:36], 32)
	return w
}

func TestIsPCM16(t *testing.T) {
	good := EncodeWAV(sineBuffer(16000, 2, 100, 440))
	if !good.IsPCM16(16000) {
		t.Error("IsPCM16(16000) = false for a fresh 16kHz payload")
	}
	if good.IsPCM16(44100) {
		t.Error("IsPCM16(44100) = true for a 16kHz payload")
	}

	truncated := good[:len(good)-2]
	if truncated.IsPCM16(16000) {
		t.Error("IsPCM16 accepted a truncated payload")
	}
	if WAV(StreamingWAVHeader(16000, 1)).IsPCM16(16000) {
		t.Error("IsPCM16 accepted a streaming header")
	}
}

func TestConcatBlobsKeepsOrder(t *testing.T) {
	blob := ConcatBlobs([]EncodedBlob{
		{MIME: "audio/wav", Data: []byte{1, 2}},
		{Data: []byte{3}},
		{Data: []byte{4, 5}},
	}, "application/octet-stream")

	if blob.MIME != "audio/wav" {
		t.Errorf("MIME = %q, want audio/wav", blob.MIME)
	}
	if !bytes.Equal(blob.Data, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("Data = %v", blob.Data)
	}
	if blob.Len() != 5 {
		t.Errorf("Len() = %d, want 5", blob.Len())
	}
}

func TestSampleBufferValidate(t *testing.T) {
	tests := []struct {
		name    string
		buf     *SampleBuffer
		wantErr bool
	}{
		{"mono", NewSampleBuffer(16000, 1, 10), false},
		{"stereo", NewSampleBuffer(44100, 2, 10), false},
		{"nil", nil, true},
		{"zero rate", NewSampleBuffer(0, 1, 10), true},
		{"no channels", &SampleBuffer{SampleRate: 16000}, true},
		{"three channels", NewSampleBuffer(16000, 3, 10), true},
		{"ragged", &SampleBuffer{SampleRate: 16000, Channels: [][]float32{{0, 0}, {0}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.buf.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
