package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file.
const (
	EnvAPIKey  = "VOICEPIPE_API_KEY"
	EnvBaseURL = "VOICEPIPE_BASE_URL"
)

// MaxCaptureDuration is the longest live recording the pipeline accepts.
const MaxCaptureDuration = 10 * time.Second

// Config holds all application configuration.
type Config struct {
	Audio      AudioConfig      `yaml:"audio"`
	Capture    CaptureConfig    `yaml:"capture"`
	Extract    ExtractConfig    `yaml:"extract"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Output     OutputConfig     `yaml:"output"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	LogLevel   string           `yaml:"log_level"`
}

// AudioConfig holds settings shared by both capture paths.
type AudioConfig struct {
	TargetSampleRate int `yaml:"target_sample_rate"`
}

// CaptureConfig holds live microphone capture settings.
type CaptureConfig struct {
	SampleRate       uint32        `yaml:"sample_rate"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	EchoCancellation bool          `yaml:"echo_cancellation"`
	NoiseSuppression bool          `yaml:"noise_suppression"`
}

// ExtractConfig holds video extraction settings.
type ExtractConfig struct {
	MaxFileSizeMB   int64         `yaml:"max_file_size_mb"`
	PlaybackRate    float64       `yaml:"playback_rate"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	FFprobePath     string        `yaml:"ffprobe_path"`
}

// TranscribeConfig holds transcription endpoint settings.
type TranscribeConfig struct {
	BaseURL   string        `yaml:"base_url"`
	ModelPath string        `yaml:"model_path"`
	CloudPath string        `yaml:"cloud_path"`
	ModelID   string        `yaml:"model_id"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"api_key"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys       []string `yaml:"keys"`
	CancelKeys []string `yaml:"cancel_keys"`
	Mode       string   `yaml:"mode"` // "hold" or "toggle"
}

// OutputConfig holds transcript output settings.
type OutputConfig struct {
	Method string `yaml:"method"` // "stdout", "type" or "paste"
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the listener
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "voicepipe")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			TargetSampleRate: 16000,
		},
		Capture: CaptureConfig{
			SampleRate:       48000,
			MaxDuration:      MaxCaptureDuration,
			FlushInterval:    100 * time.Millisecond,
			EchoCancellation: true,
			NoiseSuppression: true,
		},
		Extract: ExtractConfig{
			MaxFileSizeMB:   100,
			PlaybackRate:    4,
			MetadataTimeout: 15 * time.Second,
			FFmpegPath:      "ffmpeg",
			FFprobePath:     "ffprobe",
		},
		Transcribe: TranscribeConfig{
			BaseURL:   "http://localhost:8080",
			ModelPath: "/api/transcribe",
			CloudPath: "/api/transcribe/cloud",
			Timeout:   30 * time.Second,
		},
		Hotkey: HotkeyConfig{
			Keys:       []string{"ctrl", "shift", "r"},
			CancelKeys: []string{"esc"},
			Mode:       "hold",
		},
		Output: OutputConfig{
			Method: "stdout",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in binary paths is expanded to the user's home
// directory, and environment overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Extract.FFmpegPath = expandTilde(cfg.Extract.FFmpegPath)
	cfg.Extract.FFprobePath = expandTilde(cfg.Extract.FFprobePath)
	cfg.ApplyEnv()

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files (or ./.env when
// none are given) without overriding the process environment. A missing
// file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Transcribe.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Transcribe.BaseURL = v
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Audio.TargetSampleRate <= 0 {
		return fmt.Errorf("audio.target_sample_rate must be > 0")
	}

	if c.Capture.SampleRate == 0 {
		return fmt.Errorf("capture.sample_rate must be > 0")
	}
	if c.Capture.MaxDuration <= 0 || c.Capture.MaxDuration > MaxCaptureDuration {
		return fmt.Errorf("capture.max_duration must be in (0, %v], got %v", MaxCaptureDuration, c.Capture.MaxDuration)
	}
	if c.Capture.FlushInterval <= 0 {
		return fmt.Errorf("capture.flush_interval must be > 0")
	}

	if c.Extract.MaxFileSizeMB <= 0 {
		return fmt.Errorf("extract.max_file_size_mb must be > 0")
	}
	if c.Extract.PlaybackRate <= 0 {
		return fmt.Errorf("extract.playback_rate must be > 0")
	}
	if c.Extract.MetadataTimeout <= 0 {
		return fmt.Errorf("extract.metadata_timeout must be > 0")
	}

	u, err := url.Parse(c.Transcribe.BaseURL)
	if c.Transcribe.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("transcribe.base_url must be an http(s) URL, got %q", c.Transcribe.BaseURL)
	}
	if c.Transcribe.ModelPath == "" || c.Transcribe.CloudPath == "" {
		return fmt.Errorf("transcribe.model_path and transcribe.cloud_path must not be empty")
	}
	if c.Transcribe.Timeout <= 0 {
		return fmt.Errorf("transcribe.timeout must be > 0")
	}

	if len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.Output.Method {
	case "stdout", "type", "paste":
	default:
		return fmt.Errorf("output.method must be \"stdout\", \"type\" or \"paste\", got %q", c.Output.Method)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// MaxFileSize returns the extraction size cap in bytes.
func (c *Config) MaxFileSize() int64 {
	return c.Extract.MaxFileSizeMB << 20
}

// ParseLogLevel maps a config log level to an slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# voicepipe configuration
# Secrets belong in the environment: ` + EnvAPIKey + ` and ` + EnvBaseURL + `
# override transcribe.api_key and transcribe.base_url.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
