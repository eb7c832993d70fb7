package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes recorded by Sessions.
const (
	OutcomeCompleted = "completed"
	OutcomeDiscarded = "discarded"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// Metrics contains all Prometheus metrics for the dictation core
type Metrics struct {
	registry *prometheus.Registry

	// Capture hot path
	BuffersProcessed prometheus.Counter
	BytesWritten     prometheus.Counter
	LevelsDropped    prometheus.Counter
	NoticesDropped   prometheus.Counter
	CallbackDuration prometheus.Histogram

	// Sessions
	Sessions          *prometheus.CounterVec
	AutoStops         prometheus.Counter
	WriteFailures     prometheus.Counter
	RecordingDuration prometheus.Histogram

	// State machine and events
	RejectedTransitions *prometheus.CounterVec
	EventsDropped       *prometheus.CounterVec

	// Transcription
	TranscriptionDuration prometheus.Histogram
	TranscriptionFailures prometheus.Counter
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BuffersProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_buffers_processed_total",
			Help: "Total number of capture buffers processed",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_bytes_written_total",
			Help: "Total number of converted PCM bytes written to recordings",
		}),
		LevelsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_levels_dropped_total",
			Help: "Level samples dropped because the consumer was busy",
		}),
		NoticesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_notices_dropped_total",
			Help: "Capture notices dropped because the consumer was busy",
		}),
		CallbackDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_callback_duration_seconds",
			Help:    "Time spent processing one capture buffer",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}),

		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_sessions_total",
			Help: "Capture sessions by outcome",
		}, []string{"outcome"}),
		AutoStops: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_auto_stops_total",
			Help: "Sessions ended by voice activity detection",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_write_failures_total",
			Help: "Sessions aborted by a recording write failure",
		}),
		RecordingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_recording_duration_seconds",
			Help:    "Duration of finished recordings",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		RejectedTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_rejected_transitions_total",
			Help: "State machine transitions rejected as invalid",
		}, []string{"op", "from"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dictation_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}, []string{"event"}),

		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dictation_transcription_duration_seconds",
			Help:    "Time spent waiting for transcriptions",
			Buckets: prometheus.DefBuckets,
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dictation_transcription_failures_total",
			Help: "Transcriptions that returned an error",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
