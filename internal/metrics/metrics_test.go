package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CaptureFinished("done", time.Second)
	m.ExtractionFinished("metadata", "success", time.Second)
	m.TranscriptionFinished("cloud", "success", time.Second)
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CaptureFinished("done", 3*time.Second)
	m.ExtractionFinished("estimated", "success", 12*time.Second)
	m.TranscriptionFinished("model", "api_error", 200*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`voicepipe_capture_sessions_total{outcome="done"} 1`,
		`voicepipe_extractions_total{outcome="success",strategy="estimated"} 1`,
		`voicepipe_transcription_requests_total{outcome="api_error",route="model"} 1`,
		"voicepipe_transcription_duration_seconds_bucket",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNewRegistriesAreIndependent(t *testing.T) {
	// Registering twice on separate registries must not panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
