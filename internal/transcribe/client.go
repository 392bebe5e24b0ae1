package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/chaz8081/voicepipe/internal/audio"
	"github.com/chaz8081/voicepipe/internal/metrics"
)

// Defaults for the transcription client.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultModelPath = "/api/transcribe"
	DefaultCloudPath = "/api/transcribe/cloud"

	fileField     = "file"
	fileName      = "recording.wav"
	modelField    = "deploy_id"
	maxErrorBytes = 64 << 10
)

// Config is the endpoint configuration of a Client.
type Config struct {
	BaseURL   string
	ModelPath string
	CloudPath string
	APIKey    string
	Timeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithResampler sets the resampler used to re-encode payloads.
func WithResampler(r *audio.Resampler) Option {
	return func(c *Client) {
		if r != nil {
			c.resampler = r
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is an HTTP Transcriber. It never retries; callers decide.
type Client struct {
	cfg       Config
	http      *http.Client
	resampler *audio.Resampler
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

var _ Transcriber = (*Client)(nil)

// NewClient validates cfg and creates a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("transcribe: base URL cannot be empty")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ModelPath == "" {
		cfg.ModelPath = DefaultModelPath
	}
	if cfg.CloudPath == "" {
		cfg.CloudPath = DefaultCloudPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:       cfg,
		http:      &http.Client{},
		resampler: audio.NewResampler(nil),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the URL and route for modelID.
func (c *Client) Endpoint(modelID string) (string, Route) {
	if UsableModelID(modelID) {
		return c.cfg.BaseURL + ensureSlash(c.cfg.ModelPath), RouteModel
	}
	return c.cfg.BaseURL + ensureSlash(c.cfg.CloudPath), RouteCloud
}

func ensureSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Transcribe implements Transcriber.
func (c *Client) Transcribe(ctx context.Context, payload audio.WAV, modelID string) (*Result, error) {
	started := time.Now()
	url, route := c.Endpoint(modelID)
	modelID = strings.TrimSpace(modelID)

	res, err := c.transcribe(ctx, payload, modelID, url, route)

	outcome := "success"
	if err != nil {
		outcome = errorOutcome(err)
		c.logger.Warn("transcription failed",
			slog.String("route", string(route)),
			slog.Any("error", err),
		)
	} else {
		c.logger.Info("transcription complete",
			slog.String("route", string(route)),
			slog.Int("chars", len(res.Text)),
			slog.Duration("elapsed", time.Since(started)),
		)
	}
	c.metrics.TranscriptionFinished(string(route), outcome, time.Since(started))
	return res, err
}

func (c *Client) transcribe(ctx context.Context, payload audio.WAV, modelID, url string, route Route) (*Result, error) {
	payload, err := c.normalize(ctx, payload)
	if err != nil {
		return nil, err
	}

	body, contentType, err := buildForm(payload, modelID, route)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("transcribe: creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending transcription request",
		slog.String("url", url),
		slog.String("route", string(route)),
		slog.Int("wav_bytes", len(payload)),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.requestError(ctx, rctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.requestError(ctx, rctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, data)}
	}

	text, ok := responseText(data)
	res := &Result{Text: text, Route: route}
	if route == RouteModel {
		res.ModelID = modelID
	}
	if !ok {
		res.Text = PlaceholderText
		res.Placeholder = true
	}
	return res, nil
}

// requestError maps an expired request deadline to ErrRequestTimeout.
// Cancellation of the caller's context is returned unchanged.
func (c *Client) requestError(parent, rctx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v: %w", ErrRequestTimeout, c.cfg.Timeout, err)
	}
	return fmt.Errorf("transcribe: sending request: %w", err)
}

// normalize re-encodes payload unless it is already a 16 kHz PCM16 WAV.
func (c *Client) normalize(ctx context.Context, payload audio.WAV) (audio.WAV, error) {
	if payload.IsPCM16(audio.TranscriptionSampleRate) {
		return payload, nil
	}
	buf, err := audio.DecodeWAV(payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("re-encoding payload",
		slog.Int("from_rate", buf.SampleRate),
		slog.Int("channels", buf.NumChannels()),
	)
	return audio.Normalize(ctx, c.resampler, buf, audio.TranscriptionSampleRate)
}

func buildForm(payload audio.WAV, modelID string, route Route) (io.Reader, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, fileName))
	h.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: creating file part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("transcribe: writing file part: %w", err)
	}
	if route == RouteModel {
		if err := w.WriteField(modelField, modelID); err != nil {
			return nil, "", fmt.Errorf("transcribe: writing %s: %w", modelField, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("transcribe: closing form: %w", err)
	}
	return &body, w.FormDataContentType(), nil
}

// responseText extracts text, then transcription, from a JSON body.
func responseText(data []byte) (string, bool) {
	var body struct {
		Text          *string `json:"text"`
		Transcription *string `json:"transcription"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", false
	}
	if body.Text != nil {
		return *body.Text, true
	}
	if body.Transcription != nil {
		return *body.Transcription, true
	}
	return "", false
}

// errorMessage extracts a server-provided message from an error body.
func errorMessage(status int, data []byte) string {
	if len(data) > maxErrorBytes {
		data = data[:maxErrorBytes]
	}
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if msg := rawErrorMessage(body.Error); msg != "" {
			return msg
		}
		if body.Message != "" {
			return body.Message
		}
		if body.Detail != "" {
			return body.Detail
		}
	}
	return fmt.Sprintf("request failed with status %d %s", status, http.StatusText(status))
}

// rawErrorMessage reads an "error" field that is either a string or an
// object with a message.
func rawErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

func errorOutcome(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, audio.ErrDecode), errors.Is(err, audio.ErrResample), errors.Is(err, audio.ErrInvalidBuffer):
		return "invalid_payload"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
