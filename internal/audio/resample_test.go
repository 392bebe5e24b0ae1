package audio

import (
	"context"
	"errors"
	"math"
	"testing"
)

// failingRenderer stands in for a render graph that throws.
type failingRenderer struct {
	err   error
	calls int
}

func (r *failingRenderer) Render(context.Context, *SampleBuffer, RenderSpec) (*SampleBuffer, error) {
	r.calls++
	return nil, r.err
}

func TestOutputFrames(t *testing.T) {
	tests := []struct {
		frames, src, dst int
		want             int
	}{
		{44100, 44100, 16000, 16000},
		{48000, 48000, 16000, 16000},
		{1, 44100, 16000, 1},
		{100, 44100, 16000, 37}, // 36.28 rounds up
		{16000, 16000, 16000, 16000},
		{8000, 8000, 16000, 16000},
		{0, 44100, 16000, 0},
	}
	for _, tt := range tests {
		if got := OutputFrames(tt.frames, tt.src, tt.dst); got != tt.want {
			t.Errorf("OutputFrames(%d, %d, %d) = %d, want %d", tt.frames, tt.src, tt.dst, got, tt.want)
		}
	}
}

func TestResampleDeterministic(t *testing.T) {
	in := sineBuffer(44100, 2, 44100, 440)
	r := NewResampler(nil)

	a, err := r.Resample(context.Background(), in, 16000)
	if err != nil {
		t.Fatalf("Resample() error = %v", err)
	}
	b, err := r.Resample(context.Background(), in, 16000)
	if err != nil {
		t.Fatalf("Resample() error = %v", err)
	}

	want := int(math.Ceil(44100.0 * 16000 / 44100))
	if a.Frames() != want || b.Frames() != want {
		t.Fatalf("frames = %d / %d, want %d", a.Frames(), b.Frames(), want)
	}
	if a.SampleRate != 16000 || a.NumChannels() != 2 {
		t.Errorf("output = %d Hz %dch, want 16000 Hz 2ch", a.SampleRate, a.NumChannels())
	}
	for c := range a.Channels {
		for i := range a.Channels[c] {
			if a.Channels[c][i] != b.Channels[c][i] {
				t.Fatalf("runs differ at ch %d sample %d", c, i)
			}
		}
	}
}

func TestResamplePreservesSignal(t *testing.T) {
	in := sineBuffer(48000, 1, 48000, 220)
	out, err := NewResampler(nil).Resample(context.Background(), in, 16000)
	if err != nil {
		t.Fatalf("Resample() error = %v", err)
	}

	// Every third source sample lines up with an output sample; the
	// anti-alias filter barely touches a 220 Hz tone.
	for i := 1; i < out.Frames(); i += 97 {
		if d := math.Abs(float64(out.Channels[0][i] - in.Channels[0][i*3])); d > 1e-3 {
			t.Fatalf("sample %d differs by %g", i, d)
		}
	}
}

func TestResampleDampsContentAboveNyquist(t *testing.T) {
	// 12 kHz at 48 kHz folds onto 4 kHz at 16 kHz without filtering.
	in := sineBuffer(48000, 1, 48000, 12000)
	out, err := NewResampler(nil).Resample(context.Background(), in, 16000)
	if err != nil {
		t.Fatalf("Resample() error = %v", err)
	}

	rms := func(x []float32) float64 {
		var sum float64
		for _, v := range x {
			sum += float64(v) * float64(v)
		}
		return math.Sqrt(sum / float64(len(x)))
	}
	if got, src := rms(out.Channels[0]), rms(in.Channels[0]); got > src/2 {
		t.Errorf("output RMS = %.3f, want < %.3f (half the input RMS %.3f)", got, src/2, src)
	}
}

func TestResampleDoesNotAliasInput(t *testing.T) {
	in := sineBuffer(16000, 1, 160, 440)
	out, err := NewResampler(nil).Resample(context.Background(), in, 16000)
	if err != nil {
		t.Fatalf("Resample() error = %v", err)
	}
	out.Channels[0][0] = 0.99
	if in.Channels[0][0] == 0.99 {
		t.Error("identity resample shares storage with its input")
	}
}

func TestResampleWrapsRendererError(t *testing.T) {
	cause := errors.New("graph exploded")
	fr := &failingRenderer{err: cause}

	_, err := NewResampler(fr).Resample(context.Background(), sineBuffer(44100, 1, 100, 440), 16000)
	if !errors.Is(err, ErrResample) {
		t.Errorf("error = %v, want ErrResample", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want cause preserved", err)
	}
	if fr.calls != 1 {
		t.Errorf("renderer called %d times, want 1 (no retries)", fr.calls)
	}
}

func TestResampleRejectsInvalidInput(t *testing.T) {
	r := NewResampler(nil)
	if _, err := r.Resample(context.Background(), &SampleBuffer{SampleRate: 16000}, 16000); !errors.Is(err, ErrResample) {
		t.Errorf("empty channels error = %v, want ErrResample", err)
	}
	if _, err := r.Resample(context.Background(), sineBuffer(16000, 1, 10, 440), 0); !errors.Is(err, ErrResample) {
		t.Errorf("zero target error = %v, want ErrResample", err)
	}
}

func TestResampleHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResampler(nil).Resample(ctx, sineBuffer(44100, 2, 4410, 440), 16000)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestNormalize(t *testing.T) {
	w, err := Normalize(context.Background(), NewResampler(nil), sineBuffer(44100, 1, 4410, 440), TranscriptionSampleRate)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !w.IsPCM16(TranscriptionSampleRate) {
		t.Error("Normalize() did not produce a 16kHz PCM16 payload")
	}
	h, _ := w.Header()
	if h.DataLen != 1600*2 {
		t.Errorf("DataLen = %d, want %d", h.DataLen, 1600*2)
	}
}
