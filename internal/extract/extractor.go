package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chaz8081/voicepipe/internal/audio"
	"github.com/chaz8081/voicepipe/internal/metrics"
)

// Option configures an Extractor.
type Option func(*Extractor)

// WithResampler sets the resampler used after decoding.
func WithResampler(r *audio.Resampler) Option {
	return func(e *Extractor) {
		if r != nil {
			e.resampler = r
		}
	}
}

// WithMaxFileSize sets the size cap in bytes.
func WithMaxFileSize(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxFileSize = n
		}
	}
}

// WithPlaybackRate sets the decode speed relative to real time.
func WithPlaybackRate(r float64) Option {
	return func(e *Extractor) {
		if r > 0 {
			e.playbackRate = r
		}
	}
}

// WithMetadataTimeout bounds metadata loading.
func WithMetadataTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.metadataTimeout = d
		}
	}
}

// WithCaptureTimeout sets the floor and the slack of capture timeouts:
// each pass gets max(floor, duration+slack).
func WithCaptureTimeout(floor, slack time.Duration) Option {
	return func(e *Extractor) {
		if floor > 0 {
			e.minTimeout = floor
		}
		if slack >= 0 {
			e.timeoutSlack = slack
		}
	}
}

// WithLogger sets the extractor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records extraction outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) {
		e.metrics = m
	}
}

// Extractor turns video files into WAV payloads.
type Extractor struct {
	decoder   MediaDecoder
	resampler *audio.Resampler
	logger    *slog.Logger
	metrics   *metrics.Metrics

	maxFileSize     int64
	playbackRate    float64
	metadataTimeout time.Duration
	minTimeout      time.Duration
	timeoutSlack    time.Duration
}

// NewExtractor creates an Extractor over decoder.
func NewExtractor(decoder MediaDecoder, opts ...Option) *Extractor {
	e := &Extractor{
		decoder:         decoder,
		resampler:       audio.NewResampler(nil),
		logger:          slog.Default(),
		maxFileSize:     DefaultMaxFileSize,
		playbackRate:    DefaultPlaybackRate,
		metadataTimeout: DefaultMetadataTimeout,
		minTimeout:      DefaultMinTimeout,
		timeoutSlack:    DefaultTimeoutSlack,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs a job to completion. See Start.
func (e *Extractor) Extract(ctx context.Context, src Source, targetRate int, onProgress ProgressFunc) (*Result, error) {
	return e.Start(ctx, src, targetRate, onProgress).Wait()
}

// Start extracts the audio of src in the background and returns the job.
// onProgress may be nil; it is never allowed to delay the job.
func (e *Extractor) Start(ctx context.Context, src Source, targetRate int, onProgress ProgressFunc) *Job {
	job := newJob(onProgress)
	job.setState(JobProcessing)
	go func() {
		started := time.Now()
		res, err := e.run(ctx, job, src, targetRate)
		strategy, outcome := "none", "success"
		if res != nil {
			strategy = string(res.Strategy)
		}
		if err != nil {
			outcome = errorOutcome(err)
		}
		e.metrics.ExtractionFinished(strategy, outcome, time.Since(started))
		job.finish(res, err)
	}()
	return job
}

// attempt is the outcome of one strategy.
type attempt struct {
	strategy Strategy
	err      error
}

func (e *Extractor) run(ctx context.Context, job *Job, src Source, targetRate int) (*Result, error) {
	log := e.logger.With(slog.String("job", job.ID()), slog.String("file", src.Name))

	if err := CheckSource(src, e.maxFileSize); err != nil {
		log.Warn("source rejected", slog.Any("error", err))
		return nil, err
	}
	job.report(0, "Starting audio extraction...")

	var (
		attempts    []attempt
		corruptMeta bool
	)

	// Exact duration from metadata.
	job.report(5, "Loading video metadata...")
	mctx, cancel := context.WithTimeout(ctx, e.metadataTimeout)
	meta, err := e.decoder.LoadMetadata(mctx, src)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: metadata not loaded within %v: %w", ErrProcessingTimeout, e.metadataTimeout, err)
	}
	cancel()
	if err == nil && meta.Duration <= 0 {
		corruptMeta = true
		err = fmt.Errorf("%w: metadata reports duration %v", ErrCorruptMedia, meta.Duration)
	}
	if err == nil {
		buf, cerr := e.capture(ctx, job, src, meta.Duration, ExactMargin)
		if cerr == nil {
			return e.finish(ctx, job, log, buf, targetRate, &Result{
				Duration:     meta.Duration,
				BufferMargin: ExactMargin,
				Strategy:     StrategyMetadata,
			})
		}
		err = cerr
	}
	attempts = append(attempts, attempt{StrategyMetadata, err})
	log.Info("metadata extraction failed, trying play-through", slog.Any("error", err))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Play through without knowing the duration.
	buf, err := e.playThrough(ctx, job, src)
	if err == nil {
		return e.finish(ctx, job, log, buf, targetRate, &Result{
			Duration: buf.Duration(),
			Strategy: StrategyPlayThrough,
		})
	}
	attempts = append(attempts, attempt{StrategyPlayThrough, err})
	log.Info("play-through extraction failed, trying estimated duration", slog.Any("error", err))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Guess the duration from the file size and over-allocate.
	est := EstimateDuration(src.Size)
	log.Info("using estimated duration", slog.Duration("estimate", est), slog.Float64("margin", EstimatedMargin))
	buf, err = e.capture(ctx, job, src, est, EstimatedMargin)
	if err == nil {
		return e.finish(ctx, job, log, buf, targetRate, &Result{
			Duration:              est,
			UsedEstimatedDuration: true,
			BufferMargin:          EstimatedMargin,
			Strategy:              StrategyEstimated,
		})
	}
	attempts = append(attempts, attempt{StrategyEstimated, err})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	err = classify(attempts, corruptMeta)
	log.Warn("audio extraction failed", slog.Any("error", err))
	return nil, err
}

// classify maps the failed attempts to one error of the taxonomy.
func classify(attempts []attempt, corruptMeta bool) error {
	last := attempts[len(attempts)-1]
	switch {
	case errors.Is(last.err, ErrProcessingTimeout):
		return last.err
	case corruptMeta:
		return fmt.Errorf("%w: no strategy could decode the audio (last %s: %w); %s",
			ErrCorruptMedia, last.strategy, last.err, conversionHint)
	default:
		return fmt.Errorf("%w: no strategy could decode the audio (last %s: %w); %s",
			ErrUnsupportedFormat, last.strategy, last.err, conversionHint)
	}
}

func (e *Extractor) finish(ctx context.Context, job *Job, log *slog.Logger, buf *audio.SampleBuffer, targetRate int, res *Result) (*Result, error) {
	job.report(85, fmt.Sprintf("Resampling to %d Hz...", targetRate))
	out, err := e.resampler.Resample(ctx, buf, targetRate)
	if err != nil {
		return nil, err
	}
	job.report(95, "Encoding WAV...")
	res.WAV = audio.EncodeWAV(out)
	res.Frames = buf.Frames()
	res.SourceRate = buf.SampleRate
	job.report(100, "Audio extraction complete")

	log.Info("audio extracted",
		slog.String("strategy", string(res.Strategy)),
		slog.Int("frames", res.Frames),
		slog.Int("source_rate", res.SourceRate),
		slog.Int("wav_bytes", len(res.WAV)),
	)
	return res, nil
}

func (e *Extractor) passTimeout(d time.Duration) time.Duration {
	return max(e.minTimeout, d+e.timeoutSlack)
}

// capture decodes into buffers pre-sized for duration*margin. Samples past
// that capacity are dropped; the buffers are cut to what was collected.
func (e *Extractor) capture(ctx context.Context, job *Job, src Source, duration time.Duration, margin float64) (*audio.SampleBuffer, error) {
	timeout := e.passTimeout(duration)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pb, err := e.decoder.Play(cctx, src, PlayOptions{Rate: e.playbackRate})
	if err != nil {
		return nil, timeoutError(ctx, err, timeout)
	}
	defer pb.Close()

	rate := pb.SampleRate()
	if rate <= 0 {
		return nil, fmt.Errorf("playback reports sample rate %d", rate)
	}
	capacity := int(math.Ceil(duration.Seconds() * float64(rate) * margin))
	left := make([]float32, capacity)
	var right []float32
	n := 0
	lastPct := -1

	err = drain(cctx, pb, func(b Block) {
		if right == nil && b.Right != nil {
			right = make([]float32, capacity)
			copy(right, left[:n])
		}
		take := min(len(b.Left), capacity-n)
		if take <= 0 {
			return
		}
		copy(left[n:], b.Left[:take])
		if right != nil {
			if b.Right != nil {
				copy(right[n:], b.Right[:take])
			} else {
				copy(right[n:], b.Left[:take])
			}
		}
		n += take
		if pct := 10 + 70*n/capacity; pct != lastPct {
			lastPct = pct
			job.report(pct, fmt.Sprintf("Extracting audio... %d%%", 100*n/capacity))
		}
	})
	if err != nil {
		return nil, timeoutError(ctx, err, timeout)
	}
	if n == 0 {
		return nil, errors.New("playback produced no audio samples")
	}

	buf := &audio.SampleBuffer{SampleRate: rate, Channels: [][]float32{left[:n]}}
	if right != nil {
		buf.Channels = append(buf.Channels, right[:n])
	}
	return buf, nil
}

// playThrough decodes tolerantly into buffers that grow as samples arrive.
func (e *Extractor) playThrough(ctx context.Context, job *Job, src Source) (*audio.SampleBuffer, error) {
	est := EstimateDuration(src.Size)
	timeout := e.passTimeout(est)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pb, err := e.decoder.Play(cctx, src, PlayOptions{Rate: e.playbackRate, Tolerant: true})
	if err != nil {
		return nil, timeoutError(ctx, err, timeout)
	}
	defer pb.Close()

	rate := pb.SampleRate()
	if rate <= 0 {
		return nil, fmt.Errorf("playback reports sample rate %d", rate)
	}
	expected := max(1, int(est.Seconds()*float64(rate)))
	var left, right []float32
	lastPct := -1

	err = drain(cctx, pb, func(b Block) {
		if right == nil && b.Right != nil {
			right = append(make([]float32, 0, cap(left)), left...)
		}
		left = append(left, b.Left...)
		if right != nil {
			if b.Right != nil {
				right = append(right, b.Right...)
			} else {
				right = append(right, b.Left...)
			}
		}
		if pct := 10 + min(70, 70*len(left)/expected); pct != lastPct {
			lastPct = pct
			job.report(pct, "Extracting audio (play-through)...")
		}
	})
	if err != nil {
		return nil, timeoutError(ctx, err, timeout)
	}
	if len(left) == 0 {
		return nil, errors.New("playback produced no audio samples")
	}

	buf := &audio.SampleBuffer{SampleRate: rate, Channels: [][]float32{left}}
	if right != nil {
		buf.Channels = append(buf.Channels, right)
	}
	return buf, nil
}

// drain feeds every block to sink until playback ends or ctx is done.
func drain(ctx context.Context, pb Playback, sink func(Block)) error {
	blocks := pb.Blocks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-blocks:
			if !ok {
				return pb.Err()
			}
			if b.Right != nil && len(b.Right) != len(b.Left) {
				n := min(len(b.Left), len(b.Right))
				b.Left, b.Right = b.Left[:n], b.Right[:n]
			}
			sink(b)
		}
	}
}

// timeoutError converts a pass deadline into ErrProcessingTimeout. A
// cancelled parent context is returned as is.
func timeoutError(parent context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: decode did not finish within %v", ErrProcessingTimeout, timeout)
	}
	return err
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrFileTooLarge), errors.Is(err, ErrUnsupportedFileType):
		return "rejected"
	case errors.Is(err, ErrProcessingTimeout):
		return "timeout"
	case errors.Is(err, ErrCorruptMedia):
		return "corrupt"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
