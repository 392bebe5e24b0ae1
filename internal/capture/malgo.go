package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/chaz8081/voicepipe/internal/audio"
)

// MalgoProvider acquires the default microphone through miniaudio.
type MalgoProvider struct {
	sampleRate uint32
	logger     *slog.Logger
}

// NewMalgoProvider creates a provider capturing at sampleRate.
func NewMalgoProvider(sampleRate uint32, logger *slog.Logger) *MalgoProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MalgoProvider{sampleRate: sampleRate, logger: logger}
}

// Acquire opens the default capture device. miniaudio has no echo
// cancellation or noise suppression, so those requests are logged and
// otherwise ignored.
func (p *MalgoProvider) Acquire(ctx context.Context, c Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression {
		p.logger.Debug("echo cancellation and noise suppression are not available on this backend")
	}

	channels := uint32(c.Channels)
	if channels == 0 {
		channels = 1
	}
	rate := p.sampleRate
	if c.SampleRate > 0 {
		rate = uint32(c.SampleRate)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	d := &malgoDevice{
		ctx:        mctx,
		sampleRate: rate,
		channels:   channels,
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = channels
	deviceCfg.SampleRate = rate

	device, err := malgo.InitDevice(mctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: d.onData,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	d.device = device
	return d, nil
}

// malgoDevice buffers float32 frames delivered by the miniaudio callback.
type malgoDevice struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32
	channels   uint32

	mu      sync.Mutex
	pending []float32
	active  bool
}

func (d *malgoDevice) Supports(mime string) bool {
	return mime == "audio/wav"
}

func (d *malgoDevice) NewEncoder(mime string) (Encoder, error) {
	if mime != "" && !d.Supports(mime) {
		return nil, fmt.Errorf("unsupported container %q", mime)
	}
	return &wavEncoder{dev: d, stop: make(chan struct{})}, nil
}

// Release uninitializes the device and the audio context.
func (d *malgoDevice) Release() error {
	d.mu.Lock()
	d.active = false
	d.pending = nil
	d.mu.Unlock()

	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		if err := d.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}

// onData is the malgo callback invoked when audio data is available.
// pSample contains the captured audio frames as raw bytes (float32 format).
func (d *malgoDevice) onData(_, pSample []byte, frameCount uint32) {
	samples := bytesToFloat32(pSample, frameCount*d.channels)

	d.mu.Lock()
	if d.active {
		d.pending = append(d.pending, samples...)
	}
	d.mu.Unlock()
}

func (d *malgoDevice) setActive(on bool) {
	d.mu.Lock()
	d.active = on
	d.mu.Unlock()
}

func (d *malgoDevice) drain() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

// wavEncoder emits a streaming WAV: the first chunk carries a header with
// placeholder sizes, every chunk carries PCM16 frames.
type wavEncoder struct {
	dev        *malgoDevice
	out        chan audio.EncodedBlob
	stop       chan struct{}
	stopOnce   sync.Once
	headerSent bool
}

func (e *wavEncoder) Start(flushInterval time.Duration) (<-chan audio.EncodedBlob, error) {
	e.out = make(chan audio.EncodedBlob, 16)
	e.dev.setActive(true)
	if err := e.dev.device.Start(); err != nil {
		e.dev.setActive(false)
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	go e.run(flushInterval)
	return e.out, nil
}

func (e *wavEncoder) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if e.dev.device != nil {
			err = e.dev.device.Stop()
		}
		e.dev.setActive(false)
		close(e.stop)
	})
	return err
}

func (e *wavEncoder) run(flushInterval time.Duration) {
	defer close(e.out)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.stop:
			e.flush()
			return
		}
	}
}

func (e *wavEncoder) flush() {
	samples := e.dev.drain()
	if len(samples) == 0 {
		return
	}
	var data []byte
	if !e.headerSent {
		data = audio.StreamingWAVHeader(int(e.dev.sampleRate), int(e.dev.channels))
		e.headerSent = true
	}
	data = append(data, float32ToPCM16(samples)...)
	e.out <- audio.EncodedBlob{MIME: "audio/wav", Data: data}
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}

// float32ToPCM16 quantizes samples to little-endian PCM16 bytes.
func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(audio.QuantizePCM16(s)))
	}
	return out
}
