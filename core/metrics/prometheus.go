package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ema_broadcast"

// Pipeline stage labels.
const (
	StageTranscription = "transcription"
	StageTranslation   = "translation"
	StageSynthesis     = "synthesis"
	StageDelivery      = "delivery"
)

// Stage outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeDegraded = "degraded"
)

// Metrics contains all Prometheus metrics of the broadcast service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Session metrics
	SessionsCreated prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	ActiveListeners prometheus.Gauge

	// Audio window metrics
	WindowsFlushed *prometheus.CounterVec
	WindowSize     prometheus.Histogram
	WindowDuration prometheus.Histogram
	WindowsDropped *prometheus.CounterVec

	// Pipeline metrics
	StageDuration       *prometheus.HistogramVec
	StageOutcomes       *prometheus.CounterVec
	StageRetries        *prometheus.CounterVec
	IntegrityViolations prometheus.Counter

	// Delivery metrics
	UtterancesDelivered prometheus.Counter
	Deliveries          *prometheus.CounterVec

	// Synthesis cache metrics
	CacheLookups *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with registry. Tests pass
// a fresh prometheus.NewRegistry() so metrics do not collide.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer
		gatherer   prometheus.Gatherer
	)
	if registry != nil {
		registerer, gatherer = registry, registry
	}
	factory := promauto.With(registerer)

	return &Metrics{
		registry: gatherer,

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of sessions ended by reason",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of sessions that have not ended",
		}),
		ActiveListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_listeners",
			Help:      "Current number of listeners across all sessions",
		}),

		WindowsFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_windows_flushed_total",
			Help:      "Total number of audio windows flushed by reason",
		}, []string{"reason"}),
		WindowSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_window_size_bytes",
			Help:      "Size of flushed audio windows in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),
		WindowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_window_duration_seconds",
			Help:      "Audio length of flushed windows",
			Buckets:   prometheus.LinearBuckets(0.5, 0.5, 10), // 0.5s to 5s
		}),
		WindowsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_windows_dropped_total",
			Help:      "Total number of windows that produced no utterance, by reason",
		}, []string{"reason"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"stage"}),
		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_outcomes_total",
			Help:      "Total number of pipeline stage runs by outcome",
		}, []string{"stage", "outcome"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_retries_total",
			Help:      "Total number of retried collaborator calls",
		}, []string{"stage"}),
		IntegrityViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_integrity_violations_total",
			Help:      "Total number of out of order utterances caught before delivery",
		}),

		UtterancesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_delivered_total",
			Help:      "Total number of utterances handed to the gateway",
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_deliveries_total",
			Help:      "Total number of per-listener deliveries by result",
		}, []string{"result"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_cache_lookups_total",
			Help:      "Total number of synthesis cache lookups by result",
		}, []string{"result"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the metrics registered by NewMetrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) RecordSessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// SetActive sets the current session and listener gauges
func (m *Metrics) SetActive(sessions, listeners int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(sessions))
	m.ActiveListeners.Set(float64(listeners))
}

func (m *Metrics) RecordWindowFlushed(reason string, sizeBytes int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.WindowsFlushed.WithLabelValues(reason).Inc()
	m.WindowSize.Observe(float64(sizeBytes))
	m.WindowDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordWindowDropped(reason string) {
	if m == nil {
		return
	}
	m.WindowsDropped.WithLabelValues(reason).Inc()
}

// RecordStage records one run of a pipeline stage
func (m *Metrics) RecordStage(stage, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageOutcomes.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

func (m *Metrics) RecordStageRetry(stage string) {
	if m == nil {
		return
	}
	m.StageRetries.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordIntegrityViolation() {
	if m == nil {
		return
	}
	m.IntegrityViolations.Inc()
}

// RecordDelivery records one utterance delivery and its per-listener results
func (m *Metrics) RecordDelivery(queued, dropped, skipped int) {
	if m == nil {
		return
	}
	m.UtterancesDelivered.Inc()
	m.Deliveries.WithLabelValues("queued").Add(float64(queued))
	m.Deliveries.WithLabelValues("dropped").Add(float64(dropped))
	m.Deliveries.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
