package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	// Relay session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionDuration prometheus.Histogram

	// Device audio metrics
	ChunksReceived prometheus.Counter
	ChunksRejected prometheus.Counter
	BytesReceived  prometheus.Counter
	NoAudioStops   prometheus.Counter
	IdleFlushes    prometheus.Counter

	// Upstream metrics
	BytesForwarded   *prometheus.CounterVec
	FramesForwarded  *prometheus.CounterVec
	Commits          *prometheus.CounterVec
	PendingDropped   prometheus.Counter
	UpstreamErrors   *prometheus.CounterVec
	UpstreamOpenTime *prometheus.HistogramVec

	// Transcription metrics
	Transcripts *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of connected device relay sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of device connections in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_device_chunks_received_total",
			Help: "Total number of binary audio chunks accepted from devices",
		}),
		ChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_device_chunks_rejected_total",
			Help: "Total number of audio chunks rejected outside an active stream",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_device_bytes_received_total",
			Help: "Total number of audio bytes accepted from devices",
		}),
		NoAudioStops: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_no_audio_stops_total",
			Help: "Total number of stop signals that arrived with no audio to commit",
		}),
		IdleFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_idle_flushes_total",
			Help: "Total number of utterances committed by the inactivity timer",
		}),

		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_bytes_forwarded_total",
			Help: "Total number of raw audio bytes forwarded to the provider",
		}, []string{"provider"}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_frames_forwarded_total",
			Help: "Total number of audio frames forwarded to the provider",
		}, []string{"provider"}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_commits_total",
			Help: "Total number of end-of-utterance commits",
		}, []string{"provider"}),
		PendingDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_pending_dropped_bytes_total",
			Help: "Audio bytes discarded because the upstream session never became ready",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Total number of upstream errors by kind",
		}, []string{"provider", "kind"}),
		UpstreamOpenTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_open_seconds",
			Help:    "Time spent creating the provider session and connecting",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		Transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transcripts_total",
			Help: "Total number of final transcripts returned by providers",
		}, []string{"provider"}),

		gatherer: reg,
	}
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
