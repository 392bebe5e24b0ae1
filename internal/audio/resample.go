package audio

import (
	"context"
	"fmt"
	"math"
)

// RenderSpec describes the output of an offline render.
type RenderSpec struct {
	SampleRate int
	Channels   int
	Frames     int
}

// Renderer runs an offline (non-realtime) render graph: the whole input is
// fed through a single source, started once, and the call returns when the
// full output buffer has been rendered.
type Renderer interface {
	Render(ctx context.Context, in *SampleBuffer, spec RenderSpec) (*SampleBuffer, error)
}

// OfflineRenderer renders by linear interpolation as fast as the CPU allows.
// When downsampling, each channel first passes through a centred box
// filter about one output period wide to damp content above the new
// Nyquist frequency.
type OfflineRenderer struct{}

// Render implements Renderer.
func (OfflineRenderer) Render(ctx context.Context, in *SampleBuffer, spec RenderSpec) (*SampleBuffer, error) {
	if spec.SampleRate <= 0 || spec.Channels < 1 || spec.Frames < 0 {
		return nil, fmt.Errorf("invalid render spec %+v", spec)
	}
	out := NewSampleBuffer(spec.SampleRate, spec.Channels, spec.Frames)
	step := float64(in.SampleRate) / float64(spec.SampleRate)

	for c := 0; c < spec.Channels; c++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := in.Channels[min(c, in.NumChannels()-1)]
		dst := out.Channels[c]
		if len(src) == 0 {
			continue
		}
		if half := int(step) / 2; half > 0 {
			src = boxFilter(src, half)
		}
		last := len(src) - 1
		for i := range dst {
			pos := float64(i) * step
			idx := int(pos)
			if idx >= last {
				dst[i] = src[last]
				continue
			}
			frac := float32(pos - float64(idx))
			dst[i] = src[idx]*(1-frac) + src[idx+1]*frac
		}
	}
	return out, nil
}

// boxFilter returns the moving average of src over 2*half+1 samples.
// Windows are truncated at the edges.
func boxFilter(src []float32, half int) []float32 {
	prefix := make([]float64, len(src)+1)
	for i, v := range src {
		prefix[i+1] = prefix[i] + float64(v)
	}
	out := make([]float32, len(src))
	for i := range src {
		lo := max(0, i-half)
		hi := min(len(src), i+half+1)
		out[i] = float32((prefix[hi] - prefix[lo]) / float64(hi-lo))
	}
	return out
}

// Resampler converts buffers to a target rate through a Renderer.
type Resampler struct {
	renderer Renderer
}

// NewResampler returns a Resampler over r; a nil r uses OfflineRenderer.
func NewResampler(r Renderer) *Resampler {
	if r == nil {
		r = OfflineRenderer{}
	}
	return &Resampler{renderer: r}
}

// OutputFrames returns ceil(frames * targetRate / sourceRate).
func OutputFrames(frames, sourceRate, targetRate int) int {
	if sourceRate <= 0 || frames <= 0 {
		return 0
	}
	return int(math.Ceil(float64(frames) * float64(targetRate) / float64(sourceRate)))
}

// Resample renders in at targetRate with at most two channels. Renderer
// failures are wrapped in ErrResample and not retried.
func (r *Resampler) Resample(ctx context.Context, in *SampleBuffer, targetRate int) (*SampleBuffer, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResample, err)
	}
	if targetRate <= 0 {
		return nil, fmt.Errorf("%w: target rate must be > 0, got %d", ErrResample, targetRate)
	}

	spec := RenderSpec{
		SampleRate: targetRate,
		Channels:   min(in.NumChannels(), 2),
		Frames:     OutputFrames(in.Frames(), in.SampleRate, targetRate),
	}
	out, err := r.renderer.Render(ctx, in, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResample, err)
	}
	return out, nil
}

// Normalize resamples buf to targetRate and encodes it as WAV.
func Normalize(ctx context.Context, r *Resampler, buf *SampleBuffer, targetRate int) (WAV, error) {
	out, err := r.Resample(ctx, buf, targetRate)
	if err != nil {
		return nil, err
	}
	return EncodeWAV(out), nil
}
