// Package extract pulls the audio track out of a video file and normalizes
// it to a transcription-ready WAV. Decoding goes through a MediaDecoder and
// falls back through three strategies: exact metadata, a metadata-free
// play-through, and a duration estimated from the file size.
package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/voicepipe/internal/audio"
)

// Defaults for video extraction.
const (
	DefaultMaxFileSize     = 100 << 20
	DefaultPlaybackRate    = 4.0
	DefaultMetadataTimeout = 15 * time.Second
	DefaultMinTimeout      = 30 * time.Second
	DefaultTimeoutSlack    = 15 * time.Second

	ExactMargin     = 1.1
	EstimatedMargin = 1.5

	MinEstimatedDuration = 10 * time.Second
	MaxEstimatedDuration = 300 * time.Second
)

var (
	// ErrUnsupportedFormat reports a codec or container that every strategy rejected.
	ErrUnsupportedFormat = errors.New("extract: unsupported media format")
	// ErrCorruptMedia reports metadata that loaded but could not be used.
	ErrCorruptMedia = errors.New("extract: corrupt media")
	// ErrProcessingTimeout reports a decode that did not finish in time.
	ErrProcessingTimeout = errors.New("extract: processing timed out")
	// ErrFileTooLarge reports a file above the size cap.
	ErrFileTooLarge = errors.New("extract: file too large")
	// ErrUnsupportedFileType reports a file whose type is not an accepted video type.
	ErrUnsupportedFileType = errors.New("extract: unsupported file type")
)

// conversionHint is appended to format-class failures.
const conversionHint = "try converting the video to MP4 (H.264 video, AAC audio)"

// AcceptedTypes are the video subtypes and extensions extraction accepts.
var AcceptedTypes = []string{"mp4", "webm", "ogg", "avi", "mov", "quicktime", "x-msvideo"}

// Source describes a video file to extract from.
type Source struct {
	Path string
	Name string
	MIME string
	Size int64
}

// SourceFromFile stats path and guesses its MIME type from the extension.
func SourceFromFile(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("extract: stat source: %w", err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("extract: %s is a directory", path)
	}
	return Source{
		Path: path,
		Name: info.Name(),
		MIME: mime.TypeByExtension(filepath.Ext(path)),
		Size: info.Size(),
	}, nil
}

// CheckSource rejects files that are too large or not an accepted video
// type. It never touches the decoder.
func CheckSource(src Source, maxBytes int64) error {
	if maxBytes > 0 && src.Size > maxBytes {
		return fmt.Errorf("%w: %s is %.1f MB, limit is %.0f MB",
			ErrFileTooLarge, src.Name, float64(src.Size)/(1<<20), float64(maxBytes)/(1<<20))
	}
	if !acceptedMIME(src.MIME) && !acceptedExt(src.Name) && !acceptedExt(src.Path) {
		return fmt.Errorf("%w: %q (%s); accepted: %s",
			ErrUnsupportedFileType, src.Name, src.MIME, strings.Join(AcceptedTypes, ", "))
	}
	return nil
}

func acceptedMIME(m string) bool {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	sub, ok := strings.CutPrefix(m, "video/")
	if !ok {
		return false
	}
	for _, t := range AcceptedTypes {
		if sub == t {
			return true
		}
	}
	return false
}

func acceptedExt(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return false
	}
	for _, t := range AcceptedTypes {
		if ext == t {
			return true
		}
	}
	return false
}

// EstimateDuration guesses a duration from the file size at two seconds
// per MiB, clamped to [MinEstimatedDuration, MaxEstimatedDuration].
func EstimateDuration(size int64) time.Duration {
	secs := float64(size) / (1 << 20) * 2
	d := time.Duration(secs * float64(time.Second))
	return min(max(d, MinEstimatedDuration), MaxEstimatedDuration)
}

// Metadata is what a decoder learns about a file without playing it.
type Metadata struct {
	Duration   time.Duration
	SampleRate int
	Channels   int
}

// PlayOptions control a decode pass.
type PlayOptions struct {
	// Rate is the playback speed relative to real time.
	Rate float64
	// Tolerant asks the decoder to skip damaged packets instead of failing.
	Tolerant bool
}

// Block is a run of decoded samples. Right is nil for mono sources.
type Block struct {
	Left  []float32
	Right []float32
}

// Playback is one decode pass over a source.
type Playback interface {
	// SampleRate is the rate of the decoded samples.
	SampleRate() int
	// Blocks delivers samples in order and is closed at end of playback.
	Blocks() <-chan Block
	// Err reports why Blocks was closed, nil on natural end.
	Err() error
	// Close stops decoding and frees the pass. It is safe to call twice.
	Close() error
}

// MediaDecoder opens media files for decoding.
type MediaDecoder interface {
	LoadMetadata(ctx context.Context, src Source) (Metadata, error)
	Play(ctx context.Context, src Source, opts PlayOptions) (Playback, error)
}

// Strategy names the fallback tier that produced the samples.
type Strategy string

const (
	StrategyMetadata    Strategy = "metadata"
	StrategyPlayThrough Strategy = "play_through"
	StrategyEstimated   Strategy = "estimated"
)

// Result is a finished extraction.
type Result struct {
	WAV audio.WAV
	// Duration is the duration used to size capture buffers, or the
	// decoded length for play-through.
	Duration              time.Duration
	UsedEstimatedDuration bool
	BufferMargin          float64
	Strategy              Strategy
	// Frames is the number of frames captured at the source rate.
	Frames int
	// SourceRate is the decoded sample rate before resampling.
	SourceRate int
}
