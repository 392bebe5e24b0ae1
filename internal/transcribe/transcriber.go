// Package transcribe sends normalized WAV recordings to a speech-to-text
// endpoint.
//
// Requests are routed by model:
//   - model: a usable deploy ID was supplied; the model-scoped path is used
//   - cloud: no usable ID; the cloud fallback path is used
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chaz8081/voicepipe/internal/audio"
)

// Transcriber converts a WAV recording to text.
type Transcriber interface {
	// Transcribe sends payload to the model identified by modelID, or to
	// the cloud fallback when modelID is not usable.
	Transcribe(ctx context.Context, payload audio.WAV, modelID string) (*Result, error)
}

// Route is the endpoint family a request was sent to.
type Route string

const (
	RouteModel Route = "model"
	RouteCloud Route = "cloud"
)

// Result is a successful transcription.
type Result struct {
	Text string
	// Placeholder is set when the server answered without any text field.
	Placeholder bool
	Route       Route
	ModelID     string
}

// PlaceholderText stands in for a successful response that carried no text.
const PlaceholderText = "Transcription completed"

// ErrRequestTimeout reports a request that did not complete in time.
var ErrRequestTimeout = errors.New("transcribe: request timed out")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transcribe: api error %d: %s", e.Status, e.Message)
}

// UsableModelID reports whether id names a model. Empty strings and the
// "null" and "undefined" sentinels do not.
func UsableModelID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	switch strings.ToLower(id) {
	case "null", "undefined":
		return false
	}
	return true
}
