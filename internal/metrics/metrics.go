// Package metrics exposes Prometheus collectors for the speech-input
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for voicepipe.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Live capture
	CaptureSessions *prometheus.CounterVec
	CaptureDuration prometheus.Histogram

	// Video extraction
	Extractions        *prometheus.CounterVec
	ExtractionDuration *prometheus.HistogramVec

	// Transcription
	TranscriptionRequests *prometheus.CounterVec
	TranscriptionDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		CaptureSessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_capture_sessions_total",
			Help: "Live capture sessions by outcome",
		}, []string{"outcome"}),
		CaptureDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicepipe_capture_duration_seconds",
			Help:    "Wall-clock length of live capture sessions",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		}),

		Extractions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_extractions_total",
			Help: "Video audio extractions by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		ExtractionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicepipe_extraction_duration_seconds",
			Help:    "Time spent extracting audio from video files",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}, []string{"strategy"}),

		TranscriptionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicepipe_transcription_requests_total",
			Help: "Transcription requests by route and outcome",
		}, []string{"route", "outcome"}),
		TranscriptionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicepipe_transcription_duration_seconds",
			Help:    "Transcription request latency",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CaptureFinished records the end of a live capture session.
func (m *Metrics) CaptureFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CaptureSessions.WithLabelValues(outcome).Inc()
	m.CaptureDuration.Observe(elapsed.Seconds())
}

// ExtractionFinished records the end of an extraction job.
func (m *Metrics) ExtractionFinished(strategy, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(strategy, outcome).Inc()
	m.ExtractionDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// TranscriptionFinished records one transcription request.
func (m *Metrics) TranscriptionFinished(route, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TranscriptionRequests.WithLabelValues(route, outcome).Inc()
	m.TranscriptionDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
