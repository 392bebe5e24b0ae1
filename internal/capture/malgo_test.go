package capture

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/chaz8081/voicepipe/internal/audio"
)

func TestMalgoProviderAcquireAndRelease(t *testing.T) {
	p := NewMalgoProvider(16000, nil)
	dev, err := p.Acquire(context.Background(), DefaultConstraints())
	if err != nil {
		t.Skipf("no capture device available: %v", err)
	}
	if !dev.Supports("audio/wav") {
		t.Error("Supports(audio/wav) = false, want true")
	}
	if dev.Supports("audio/webm") {
		t.Error("Supports(audio/webm) = true, want false")
	}
	if got := SelectFormat(dev); got != "audio/wav" {
		t.Errorf("SelectFormat() = %q, want audio/wav", got)
	}
	if err := dev.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestMalgoProviderHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMalgoProvider(16000, nil).Acquire(ctx, DefaultConstraints()); err == nil {
		t.Fatal("Acquire() with cancelled context should fail")
	}
}

func TestBytesToFloat32(t *testing.T) {
	// Test with known float32 value: 1.0 = 0x3F800000
	data := []byte{0x00, 0x00, 0x80, 0x3F} // 1.0 in little-endian float32
	samples := bytesToFloat32(data, 1)

	if len(samples) != 1 {
		t.Fatalf("bytesToFloat32() returned %d samples, want 1", len(samples))
	}
	if samples[0] != 1.0 {
		t.Errorf("bytesToFloat32() = %f, want 1.0", samples[0])
	}
}

func TestBytesToFloat32Multiple(t *testing.T) {
	// Two samples: 0.0 and -1.0
	data := []byte{
		0x00, 0x00, 0x00, 0x00, // 0.0
		0x00, 0x00, 0x80, 0xBF, // -1.0
	}
	samples := bytesToFloat32(data, 2)

	if len(samples) != 2 {
		t.Fatalf("bytesToFloat32() returned %d samples, want 2", len(samples))
	}
	if samples[0] != 0.0 {
		t.Errorf("samples[0] = %f, want 0.0", samples[0])
	}
	if samples[1] != -1.0 {
		t.Errorf("samples[1] = %f, want -1.0", samples[1])
	}
}

func TestBytesToFloat32ShortInput(t *testing.T) {
	samples := bytesToFloat32([]byte{0x00, 0x00, 0x80}, 1)
	if len(samples) != 0 {
		t.Errorf("bytesToFloat32() returned %d samples from a truncated frame, want 0", len(samples))
	}
}

func TestFloat32ToPCM16(t *testing.T) {
	out := float32ToPCM16([]float32{1, -1, 0})
	want := []int16{32767, -32768, 0}
	if len(out) != 2*len(want) {
		t.Fatalf("len = %d, want %d", len(out), 2*len(want))
	}
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(out[2*i:])); got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}
}

func TestStreamingChunksDecode(t *testing.T) {
	// Header chunk followed by a plain PCM chunk, as the wav encoder emits them.
	first := append(audio.StreamingWAVHeader(16000, 1), float32ToPCM16(make([]float32, 160))...)
	second := float32ToPCM16(make([]float32, 160))
	blob := audio.ConcatBlobs([]audio.EncodedBlob{
		{MIME: "audio/wav", Data: first},
		{MIME: "audio/wav", Data: second},
	}, "")

	buf, err := BlobDecoder{}.Decode(context.Background(), blob)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if buf.Frames() != 320 {
		t.Errorf("Frames() = %d, want 320", buf.Frames())
	}
	if buf.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", buf.SampleRate)
	}
}
