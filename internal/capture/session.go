package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/voicepipe/internal/audio"
	"github.com/chaz8081/voicepipe/internal/metrics"
)

// Option configures a Session.
type Option func(*Session)

// WithMaxDuration caps the recording length. Expiry behaves like Stop.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

// WithFlushInterval sets how often the encoder emits a chunk.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithAcquireTimeout bounds device acquisition.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.acquireTimeout = d
		}
	}
}

// WithFinalizeWait bounds how long Stop waits for the encoder's final chunk.
func WithFinalizeWait(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.finalizeWait = d
		}
	}
}

// WithDecodeTimeout bounds decoding of the finished recording.
func WithDecodeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.decodeTimeout = d
		}
	}
}

// WithConstraints overrides the requested device properties.
func WithConstraints(c Constraints) Option {
	return func(s *Session) {
		s.constraints = c
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records session outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// Session is one live recording: idle -> recording -> processing -> done|error.
// recording -> idle happens only through Cancel. A Session is single-use.
//
// Only one Session may hold the input device at a time; callers must not
// start a second session while one is recording.
type Session struct {
	id       string
	provider Provider
	decoder  Decoder
	logger   *slog.Logger
	metrics  *metrics.Metrics

	constraints    Constraints
	maxDuration    time.Duration
	flushInterval  time.Duration
	acquireTimeout time.Duration
	finalizeWait   time.Duration
	decodeTimeout  time.Duration

	mu        sync.Mutex
	state     State
	started   bool
	cancelled bool
	sealed    bool // no more chunks are accepted
	startedAt time.Time
	format    string
	device    Device
	encoder   Encoder
	chunks    []audio.EncodedBlob
	timer     *time.Timer
	collected chan struct{}
	cancelCh  chan struct{} // closed by the first Cancel
	released  bool

	doneOnce    sync.Once
	done        chan struct{}
	result      *audio.SampleBuffer
	err         error
}

// NewSession creates an idle session over provider and decoder.
func NewSession(provider Provider, decoder Decoder, opts ...Option) *Session {
	s := &Session{
		id:             uuid.NewString(),
		provider:       provider,
		decoder:        decoder,
		logger:         slog.Default(),
		constraints:    DefaultConstraints(),
		maxDuration:    DefaultMaxDuration,
		flushInterval:  DefaultFlushInterval,
		acquireTimeout: DefaultAcquireTimeout,
		finalizeWait:   DefaultFinalizeWait,
		decodeTimeout:  DefaultDecodeTimeout,
		done:           make(chan struct{}),
		cancelCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session", s.id))
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Chunks returns the number of chunks buffered so far.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// StartedAt returns when recording began (zero before Start succeeds).
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Format returns the container format chosen for the recording.
func (s *Session) Format() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Done is closed once the session reaches done, error, or is cancelled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the decoded recording once Done is closed.
func (s *Session) Result() (*audio.SampleBuffer, error) {
	select {
	case <-s.done:
	default:
		return nil, fmt.Errorf("%w: session has not finished", ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Start acquires the input device and begins recording. It may be called
// once per session; on failure the session stays idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: start called twice", ErrInvalidState)
	}
	s.started = true
	s.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	go func() {
		select {
		case <-s.cancelCh:
			cancel()
		case <-actx.Done():
		}
	}()
	dev, err := s.provider.Acquire(actx, s.constraints)
	cancel()

	s.mu.Lock()
	cancelled := s.cancelled
	if err == nil {
		s.device = dev
	}
	s.mu.Unlock()
	if cancelled {
		return s.abortStart(nil)
	}
	if err != nil {
		s.logger.Warn("device acquisition failed", slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	format := SelectFormat(dev)
	enc, err := dev.NewEncoder(format)
	if err != nil {
		s.release()
		return fmt.Errorf("%w: creating %q encoder: %w", ErrDeviceUnavailable, format, err)
	}
	chunks, err := enc.Start(s.flushInterval)
	if err != nil {
		s.release()
		return fmt.Errorf("%w: starting encoder: %w", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return s.abortStart(enc)
	}
	s.state = StateRecording
	s.startedAt = time.Now()
	s.format = format
	s.encoder = enc
	s.collected = make(chan struct{})
	s.timer = time.AfterFunc(s.maxDuration, s.onMaxDuration)
	s.mu.Unlock()

	go s.collect(chunks)

	s.logger.Info("recording started",
		slog.String("format", format),
		slog.Duration("max_duration", s.maxDuration),
	)
	return nil
}

// abortStart undoes a Start that raced with Cancel. The session ends idle
// with ErrCancelled so Done is closed.
func (s *Session) abortStart(enc Encoder) error {
	if enc != nil {
		_ = enc.Stop()
	}
	s.release()
	s.finish(nil, ErrCancelled, "cancelled", StateIdle)
	s.logger.Info("recording cancelled during start")
	return ErrCancelled
}

// Stop finalizes the recording and returns the decoded samples. Calls
// after the first wait for and return the same result.
func (s *Session) Stop(ctx context.Context) (*audio.SampleBuffer, error) {
	if s.beginFinalize() {
		s.finalize(ctx)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateIdle && !s.isDone() {
		return nil, fmt.Errorf("%w: stop while %s", ErrInvalidState, state)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Cancel abandons the session: the device is released, the timer
// stopped, and buffered chunks discarded. Chunks arriving afterwards are
// dropped. Cancel is safe to call at any time and more than once.
// During processing the device is released at once and finalize stops
// waiting for the encoder; the session ends with ErrCancelled.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.cancelled {
		close(s.cancelCh)
	}
	s.cancelled = true
	s.sealed = true
	state := s.state
	if s.timer != nil {
		s.timer.Stop()
	}
	s.chunks = nil
	enc := s.encoder
	if state == StateRecording {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if state == StateProcessing {
		// finalize wakes on cancelCh and finishes the session.
		s.release()
		return
	}
	if state != StateRecording {
		return
	}
	if enc != nil {
		_ = enc.Stop()
	}
	s.release()
	s.finish(nil, ErrCancelled, "cancelled", StateIdle)
	s.logger.Info("recording cancelled")
}

func (s *Session) onMaxDuration() {
	if s.beginFinalize() {
		s.logger.Info("max duration reached, finalizing", slog.Duration("max_duration", s.maxDuration))
		s.finalize(context.Background())
	}
}

// beginFinalize moves recording -> processing and reports whether the
// caller won the transition and must run finalize.
func (s *Session) beginFinalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording {
		return false
	}
	s.state = StateProcessing
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}

func (s *Session) finalize(ctx context.Context) {
	s.mu.Lock()
	enc := s.encoder
	collected := s.collected
	s.mu.Unlock()

	if err := enc.Stop(); err != nil {
		s.logger.Warn("encoder stop failed", slog.Any("error", err))
	}

	wait := time.NewTimer(s.finalizeWait)
	select {
	case <-collected:
	case <-s.cancelCh:
	case <-wait.C:
		s.logger.Warn("encoder did not deliver its final chunk in time", slog.Duration("wait", s.finalizeWait))
	case <-ctx.Done():
	}
	wait.Stop()

	s.mu.Lock()
	s.sealed = true
	chunks := s.chunks
	s.chunks = nil
	format := s.format
	cancelled := s.cancelled
	s.mu.Unlock()

	s.release()

	if cancelled {
		s.finish(nil, ErrCancelled, "cancelled", StateError)
		return
	}
	if err := ctx.Err(); err != nil {
		s.finish(nil, err, "error", StateError)
		return
	}

	blob := audio.ConcatBlobs(chunks, format)
	if blob.Len() == 0 {
		s.finish(nil, ErrEmptyRecording, "empty", StateError)
		return
	}

	dctx, cancel := context.WithTimeout(ctx, s.decodeTimeout)
	buf, err := s.decoder.Decode(dctx, blob)
	cancel()
	if err != nil {
		if !errors.Is(err, audio.ErrDecode) {
			err = fmt.Errorf("%w: %w", audio.ErrDecode, err)
		}
		s.finish(nil, err, "decode_error", StateError)
		return
	}
	if buf.Frames() == 0 {
		s.finish(nil, ErrEmptyRecording, "empty", StateError)
		return
	}

	s.logger.Info("recording finalized",
		slog.Int("chunks", len(chunks)),
		slog.Int("bytes", blob.Len()),
		slog.Int("sample_rate", buf.SampleRate),
		slog.Duration("audio", buf.Duration()),
	)
	s.finish(buf, nil, "done", StateDone)
}

// collect appends chunks in arrival order until the encoder closes the
// channel. An encoder that closes on its own (device lost) finalizes the
// session as if Stop had been called.
func (s *Session) collect(chunks <-chan audio.EncodedBlob) {
	s.mu.Lock()
	collected := s.collected
	s.mu.Unlock()
	defer close(collected)

	for c := range chunks {
		if c.Len() == 0 {
			continue
		}
		s.mu.Lock()
		if !s.sealed {
			s.chunks = append(s.chunks, c)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	endedEarly := s.state == StateRecording
	s.mu.Unlock()
	if endedEarly {
		s.logger.Warn("encoder stream ended while recording")
		go func() {
			if s.beginFinalize() {
				s.finalize(context.Background())
			}
		}()
	}
}

// release frees the device at most once. Before acquisition it is a no-op.
func (s *Session) release() {
	s.mu.Lock()
	dev := s.device
	if dev == nil || s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if err := dev.Release(); err != nil {
		s.logger.Warn("device release failed", slog.Any("error", err))
	}
}

func (s *Session) finish(buf *audio.SampleBuffer, err error, outcome string, state State) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.result = buf
		s.err = err
		s.state = state
		started := s.startedAt
		s.mu.Unlock()

		if err != nil && !errors.Is(err, ErrCancelled) {
			s.logger.Warn("recording failed", slog.Any("error", err))
		}
		s.metrics.CaptureFinished(outcome, time.Since(started))
		close(s.done)
	})
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
