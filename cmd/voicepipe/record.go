package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chaz8081/voicepipe/internal/audio"
	"github.com/chaz8081/voicepipe/internal/capture"
	"github.com/chaz8081/voicepipe/internal/hotkey"
	"github.com/chaz8081/voicepipe/internal/inject"
	"github.com/chaz8081/voicepipe/internal/transcribe"
)

// minRecording is the shortest recording worth transcribing.
const minRecording = 300 * time.Millisecond

func (a *app) runRecord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	model := fs.String("model", a.cfg.Transcribe.ModelID, "model deploy ID (empty uses the cloud endpoint)")
	enter := fs.Bool("enter", false, "use Enter on stdin instead of the global hotkey")
	_ = fs.Parse(args)

	client, err := a.transcriber()
	if err != nil {
		return err
	}
	injector, err := inject.New(a.cfg.Output.Method, os.Stdout)
	if err != nil {
		return err
	}

	d := &dictation{
		app:      a,
		provider: capture.NewMalgoProvider(a.cfg.Capture.SampleRate, a.logger),
		decoder:  capture.BlobDecoder{Fallback: a.ffmpeg},
		client:   client,
		injector: injector,
		modelID:  *model,
	}

	if *enter {
		printBanner(a.cfg, "Enter (toggle)")
		return d.runEnter(ctx)
	}
	printBanner(a.cfg, hotkeyLabel(a.cfg.Hotkey.Keys, a.cfg.Hotkey.Mode))
	d.runHotkey(ctx)
	return nil
}

// dictation owns at most one live capture session and hands finished
// recordings off for transcription.
type dictation struct {
	app      *app
	provider capture.Provider
	decoder  capture.Decoder
	client   transcribe.Transcriber
	injector inject.TextInjector
	modelID  string

	// onEnded runs after every session ends so a trigger still marked as
	// recording (max duration, device loss) goes back to idle.
	onEnded func()

	mu      sync.Mutex
	session *capture.Session
	pending sync.WaitGroup
}

func (d *dictation) active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

func (d *dictation) start(ctx context.Context) {
	cfg := d.app.cfg
	s := capture.NewSession(d.provider, d.decoder,
		capture.WithMaxDuration(cfg.Capture.MaxDuration),
		capture.WithFlushInterval(cfg.Capture.FlushInterval),
		capture.WithConstraints(capture.Constraints{
			Channels:         1,
			SampleRate:       int(cfg.Capture.SampleRate),
			EchoCancellation: cfg.Capture.EchoCancellation,
			NoiseSuppression: cfg.Capture.NoiseSuppression,
		}),
		capture.WithLogger(d.app.logger),
		capture.WithMetrics(d.app.metrics),
	)

	d.mu.Lock()
	if d.session != nil {
		d.mu.Unlock()
		return
	}
	d.session = s
	d.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		d.app.logger.Error("failed to start recording", slog.Any("error", err))
		d.clear(s)
		if d.onEnded != nil {
			d.onEnded()
		}
		return
	}
	fmt.Fprintln(os.Stderr, "Recording...")
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		d.await(ctx, s)
	}()
}

// finish stops the current session; await picks up the result.
func (d *dictation) finish(ctx context.Context) {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return
	}
	go func() {
		if _, err := s.Stop(ctx); err != nil && !errors.Is(err, capture.ErrInvalidState) {
			d.app.logger.Debug("stop returned", slog.Any("error", err))
		}
	}()
}

func (d *dictation) cancel() {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

func (d *dictation) clear(s *capture.Session) {
	d.mu.Lock()
	if d.session == s {
		d.session = nil
	}
	d.mu.Unlock()
}

// await waits for the session to end and transcribes its recording.
func (d *dictation) await(ctx context.Context, s *capture.Session) {
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel()
		<-s.Done()
	}
	d.clear(s)
	if d.onEnded != nil {
		d.onEnded()
	}

	buf, err := s.Result()
	switch {
	case errors.Is(err, capture.ErrCancelled):
		fmt.Fprintln(os.Stderr, "Cancelled.")
		return
	case errors.Is(err, capture.ErrEmptyRecording):
		fmt.Fprintln(os.Stderr, "Nothing recorded.")
		return
	case err != nil:
		d.app.logger.Error("recording failed", slog.Any("error", err))
		return
	}
	if buf.Duration() < minRecording {
		d.app.logger.Info("recording too short, skipping", slog.Duration("duration", buf.Duration()))
		return
	}

	fmt.Fprintf(os.Stderr, "Transcribing %.1fs of audio...\n", buf.Duration().Seconds())
	if err := d.transcribe(ctx, buf); err != nil {
		d.app.logger.Error("transcription failed", slog.Any("error", err))
	}
}

func (d *dictation) transcribe(ctx context.Context, buf *audio.SampleBuffer) error {
	wav, err := audio.Normalize(ctx, d.app.resampler, buf, d.app.cfg.Audio.TargetSampleRate)
	if err != nil {
		return err
	}
	res, err := d.client.Transcribe(ctx, wav, d.modelID)
	if err != nil {
		return err
	}
	if res.Placeholder {
		d.app.logger.Warn("transcription returned no text")
	}
	return d.injector.Inject(res.Text)
}

// runHotkey drives sessions from the global hotkey until a signal arrives.
func (d *dictation) runHotkey(ctx context.Context) {
	cfg := d.app.cfg
	listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.CancelKeys, cfg.Hotkey.Mode)
	d.onEnded = listener.Reset
	go listener.Start()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nShutting down...")
			d.cancel()
			listener.Stop()
			// Exit immediately. gohook's C cleanup can crash on the way out.
			os.Exit(0)
		case ev, ok := <-listener.Events():
			if !ok {
				return
			}
			d.app.logger.Debug("hotkey event", slog.String("type", ev.Type.String()))
			switch ev.Type {
			case hotkey.EventRecord:
				d.start(ctx)
			case hotkey.EventFinish:
				d.finish(ctx)
			case hotkey.EventCancel:
				d.cancel()
			}
		}
	}
}

// runEnter toggles recording on each line read from stdin. A line of "c"
// cancels the current recording.
func (d *dictation) runEnter(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Fprintln(os.Stderr, "Press Enter to start and stop recording, c+Enter to cancel.")
	for {
		select {
		case <-ctx.Done():
			d.cancel()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				d.finish(ctx)
				d.pending.Wait()
				return nil
			}
			switch {
			case line == "c":
				d.cancel()
			case d.active():
				d.finish(ctx)
			default:
				d.start(ctx)
			}
		}
	}
}
