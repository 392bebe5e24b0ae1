package extract

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/voicepipe/internal/audio"
)

// blockFrames is the number of frames per Block read from ffmpeg.
const blockFrames = 4096

// FFmpeg decodes media with the ffmpeg and ffprobe binaries. It implements
// MediaDecoder for video files and capture.Decoder for recorded blobs in
// containers the WAV codec cannot read.
type FFmpeg struct {
	// FFmpegBin and FFprobeBin default to "ffmpeg" and "ffprobe" on PATH.
	FFmpegBin  string
	FFprobeBin string
	// SampleRate of decoded output; 0 means 48000.
	SampleRate int
	// Channels of decoded video audio; 0 means 2.
	Channels int
	Logger   *slog.Logger
}

func (f *FFmpeg) ffmpeg() string {
	if f.FFmpegBin == "" {
		return "ffmpeg"
	}
	return f.FFmpegBin
}

func (f *FFmpeg) ffprobe() string {
	if f.FFprobeBin == "" {
		return "ffprobe"
	}
	return f.FFprobeBin
}

func (f *FFmpeg) rate() int {
	if f.SampleRate <= 0 {
		return 48000
	}
	return f.SampleRate
}

func (f *FFmpeg) channels() int {
	if f.Channels <= 0 || f.Channels > 2 {
		return 2
	}
	return f.Channels
}

func (f *FFmpeg) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// Available reports whether both binaries can be found.
func (f *FFmpeg) Available() error {
	for _, bin := range []string{f.ffmpeg(), f.ffprobe()} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s binary not found: %w", bin, err)
		}
	}
	return nil
}

type probeOutput struct {
	Streams []struct {
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// LoadMetadata reads duration and audio stream layout with ffprobe. A
// missing or unparsable duration is reported as zero.
func (f *FFmpeg) LoadMetadata(ctx context.Context, src Source) (Metadata, error) {
	out, err := runCommand(ctx, f.ffprobe(),
		"-v", "error",
		"-select_streams", "a:0",
		"-show_entries", "format=duration:stream=sample_rate,channels",
		"-of", "json",
		src.Path,
	)
	if err != nil {
		if ctx.Err() != nil {
			return Metadata{}, ctx.Err()
		}
		return Metadata{}, fmt.Errorf("running ffprobe: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return parseProbe(out, f.logger())
}

// parseProbe decodes ffprobe JSON. Only the duration drives extraction;
// an unreadable sample rate is logged and left at zero.
func parseProbe(out []byte, logger *slog.Logger) (Metadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Metadata{}, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return Metadata{}, errors.New("no audio stream")
	}

	stream := probe.Streams[0]
	meta := Metadata{Channels: stream.Channels}
	if rate, err := strconv.Atoi(stream.SampleRate); err == nil {
		meta.SampleRate = rate
	} else {
		logger.Debug("ffprobe sample rate unreadable", slog.String("sample_rate", stream.SampleRate))
	}
	if secs, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && secs > 0 && !math.IsInf(secs, 0) {
		meta.Duration = time.Duration(secs * float64(time.Second))
	}
	return meta, nil
}

// Play starts ffmpeg decoding src to float32 PCM on stdout. Rate maps to
// -readrate; Tolerant skips damaged packets.
func (f *FFmpeg) Play(ctx context.Context, src Source, opts PlayOptions) (Playback, error) {
	channels := f.channels()
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if opts.Tolerant {
		args = append(args, "-err_detect", "ignore_err", "-fflags", "+discardcorrupt+genpts")
	}
	if opts.Rate > 0 {
		args = append(args, "-readrate", strconv.FormatFloat(opts.Rate, 'f', -1, 64))
	}
	args = append(args,
		"-i", src.Path,
		"-vn",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(f.rate()),
		"-f", "f32le",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, f.ffmpeg(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	p := &ffmpegPlayback{
		cmd:      cmd,
		rate:     f.rate(),
		channels: channels,
		blocks:   make(chan Block, 8),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	f.logger().Debug("ffmpeg playback started", slog.String("file", src.Name), slog.Bool("tolerant", opts.Tolerant))
	go p.pump(stdout)
	return p, nil
}

type ffmpegPlayback struct {
	cmd      *exec.Cmd
	rate     int
	channels int
	stderr   bytes.Buffer

	blocks   chan Block
	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	mu  sync.Mutex
	err error
}

func (p *ffmpegPlayback) SampleRate() int      { return p.rate }
func (p *ffmpegPlayback) Blocks() <-chan Block { return p.blocks }

func (p *ffmpegPlayback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close kills ffmpeg if it is still running and waits for the reader.
func (p *ffmpegPlayback) Close() error {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.finished
	return nil
}

func (p *ffmpegPlayback) pump(r io.Reader) {
	defer close(p.finished)
	defer close(p.blocks)

	frameBytes := 4 * p.channels
	raw := make([]byte, blockFrames*frameBytes)
	var readErr error
	for {
		n, err := io.ReadFull(r, raw)
		n -= n % frameBytes
		if n > 0 {
			select {
			case p.blocks <- splitChannels(raw[:n], p.channels):
			case <-p.stop:
				readErr = errors.New("playback closed")
			}
		}
		if readErr != nil {
			break
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
	}
	// Drain so ffmpeg is not blocked writing to a full pipe.
	_, _ = io.Copy(io.Discard, r)

	waitErr := p.cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case readErr != nil:
		p.err = readErr
	case waitErr != nil:
		p.err = fmt.Errorf("ffmpeg: %w: %s", waitErr, strings.TrimSpace(p.stderr.String()))
	}
}

// Decode implements capture.Decoder by piping blob through ffmpeg into
// mono float32 samples.
func (f *FFmpeg) Decode(ctx context.Context, blob audio.EncodedBlob) (*audio.SampleBuffer, error) {
	cmd := exec.CommandContext(ctx, f.ffmpeg(),
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-ac", "1",
		"-ar", strconv.Itoa(f.rate()),
		"-f", "f32le",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(blob.Data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", audio.ErrDecode, ctx.Err())
		}
		return nil, fmt.Errorf("%w: ffmpeg %s: %w: %s", audio.ErrDecode, blob.MIME, err, strings.TrimSpace(stderr.String()))
	}
	b := splitChannels(stdout.Bytes(), 1)
	return &audio.SampleBuffer{SampleRate: f.rate(), Channels: [][]float32{b.Left}}, nil
}

// splitChannels converts interleaved little-endian float32 frames into a Block.
func splitChannels(raw []byte, channels int) Block {
	frames := len(raw) / (4 * channels)
	b := Block{Left: make([]float32, frames)}
	if channels == 2 {
		b.Right = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		off := i * 4 * channels
		b.Left[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off:]))
		if channels == 2 {
			b.Right[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off+4:]))
		}
	}
	return b
}

// runCommand executes an external binary and returns its stdout, or the
// combined output on failure.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return append(stdout.Bytes(), stderr.Bytes()...), err
	}
	return stdout.Bytes(), nil
}
