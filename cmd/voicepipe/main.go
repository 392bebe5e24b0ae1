package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chaz8081/voicepipe/internal/audio"
	"github.com/chaz8081/voicepipe/internal/config"
	"github.com/chaz8081/voicepipe/internal/extract"
	"github.com/chaz8081/voicepipe/internal/metrics"
	"github.com/chaz8081/voicepipe/internal/transcribe"
)

const usage = `usage: voicepipe [-config path] <command> [flags]

commands:
  record      dictate from the microphone (default)
  extract     extract the audio track of a video file
  transcribe  transcribe a WAV file
  init        write the default config file
`

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/voicepipe/config.yaml)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, args := "record", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	if cmd == "init" {
		os.Exit(runInit())
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, logger)
	a.serveMetrics(ctx)

	switch cmd {
	case "record":
		err = a.runRecord(ctx, args)
	case "extract":
		err = a.runExtract(ctx, args)
	case "transcribe":
		err = a.runTranscribe(ctx, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd+" failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// app holds the pipeline components shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	resampler *audio.Resampler
	ffmpeg    *extract.FFmpeg
}

func newApp(cfg *config.Config, logger *slog.Logger) *app {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		resampler: audio.NewResampler(nil),
		ffmpeg: &extract.FFmpeg{
			FFmpegBin:  cfg.Extract.FFmpegPath,
			FFprobeBin: cfg.Extract.FFprobePath,
			Logger:     logger,
		},
	}
	if cfg.Metrics.Listen != "" {
		a.metrics = metrics.New(prometheus.NewRegistry())
	}
	return a
}

// serveMetrics exposes /metrics when a listen address is configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("metrics listener started", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics listener failed", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (a *app) transcriber() (*transcribe.Client, error) {
	tc := a.cfg.Transcribe
	return transcribe.NewClient(transcribe.Config{
		BaseURL:   tc.BaseURL,
		ModelPath: tc.ModelPath,
		CloudPath: tc.CloudPath,
		APIKey:    tc.APIKey,
		Timeout:   tc.Timeout,
	},
		transcribe.WithResampler(a.resampler),
		transcribe.WithLogger(a.logger),
		transcribe.WithMetrics(a.metrics),
	)
}

func (a *app) runExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	in := fs.String("in", "", "video file to extract audio from")
	out := fs.String("out", "", "write the WAV to this path")
	model := fs.String("model", a.cfg.Transcribe.ModelID, "model deploy ID for -transcribe")
	doTranscribe := fs.Bool("transcribe", false, "transcribe the extracted audio")
	_ = fs.Parse(args)
	if *in == "" {
		return errors.New("extract: -in is required")
	}
	if err := a.ffmpeg.Available(); err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	src, err := extract.SourceFromFile(*in)
	if err != nil {
		return err
	}
	ex := extract.NewExtractor(a.ffmpeg,
		extract.WithResampler(a.resampler),
		extract.WithMaxFileSize(a.cfg.MaxFileSize()),
		extract.WithPlaybackRate(a.cfg.Extract.PlaybackRate),
		extract.WithMetadataTimeout(a.cfg.Extract.MetadataTimeout),
		extract.WithLogger(a.logger),
		extract.WithMetrics(a.metrics),
	)

	res, err := ex.Extract(ctx, src, a.cfg.Audio.TargetSampleRate, func(p extract.Progress) {
		fmt.Fprintf(os.Stderr, "\r%3d%% %-40s", p.Percent, p.Stage)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	a.logger.Info("extraction finished",
		slog.String("strategy", string(res.Strategy)),
		slog.Duration("duration", res.Duration),
		slog.Bool("estimated", res.UsedEstimatedDuration),
	)

	if *out != "" {
		if err := os.WriteFile(*out, res.WAV, 0o644); err != nil {
			return fmt.Errorf("extract: writing %s: %w", *out, err)
		}
		fmt.Fprintf(os.Stderr, "Wrote %s (%d bytes)\n", *out, len(res.WAV))
	}
	if !*doTranscribe {
		return nil
	}
	return a.transcribeWAV(ctx, res.WAV, *model)
}

func (a *app) runTranscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	in := fs.String("in", "", "WAV file to transcribe")
	model := fs.String("model", a.cfg.Transcribe.ModelID, "model deploy ID (empty uses the cloud endpoint)")
	_ = fs.Parse(args)
	if *in == "" {
		return errors.New("transcribe: -in is required")
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("transcribe: reading %s: %w", *in, err)
	}
	return a.transcribeWAV(ctx, audio.WAV(data), *model)
}

func (a *app) transcribeWAV(ctx context.Context, wav audio.WAV, model string) error {
	client, err := a.transcriber()
	if err != nil {
		return err
	}
	res, err := client.Transcribe(ctx, wav, model)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	return nil
}

func runInit() int {
	path, err := config.WriteDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return 0
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return 0
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, trigger string) {
	fmt.Fprintln(os.Stderr, "=== voicepipe ===")
	fmt.Fprintf(os.Stderr, "  Trigger:  %s\n", trigger)
	fmt.Fprintf(os.Stderr, "  Capture:  %dHz, max %s\n", cfg.Capture.SampleRate, cfg.Capture.MaxDuration)
	fmt.Fprintf(os.Stderr, "  Endpoint: %s\n", cfg.Transcribe.BaseURL)
	if cfg.Transcribe.ModelID != "" {
		fmt.Fprintf(os.Stderr, "  Model:    %s\n", cfg.Transcribe.ModelID)
	}
	fmt.Fprintf(os.Stderr, "  Output:   %s\n", cfg.Output.Method)
	fmt.Fprintf(os.Stderr, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(os.Stderr, "=================")
}

func hotkeyLabel(keys []string, mode string) string {
	return fmt.Sprintf("%s (%s mode)", strings.Join(keys, "+"), mode)
}
