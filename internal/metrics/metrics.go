// Package metrics exposes Prometheus instrumentation for sessions and
// summarizer exchanges. All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recap"

// Metrics contains all Prometheus metrics for the service
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	TranscriptChars  prometheus.Histogram

	// Summarizer metrics
	Exchanges        *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	ChunksReceived   prometheus.Counter
	BreakerStates    *prometheus.GaugeVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of capture sessions that began listening",
		}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of capture sessions stopped, by reason",
		}, []string{"reason"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Capture sessions currently listening",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock length of capture sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		TranscriptChars: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcript_chars",
			Help:      "Length of final transcripts in bytes",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		}),

		Exchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_exchanges_total",
			Help:      "Summarizer exchanges by outcome",
		}, []string{"outcome"}),
		ExchangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_exchange_duration_seconds",
			Help:      "Duration of summarizer exchanges that used the network",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7 minutes
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_chunks_total",
			Help:      "Stream chunks delivered to callers",
		}),
		BreakerStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// SessionStarted records a session entering Listening
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionFinished records a stopped session
func (m *Metrics) SessionFinished(reason string, d time.Duration, chars int) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(d.Seconds())
	m.TranscriptChars.Observe(float64(chars))
}

// ExchangeFinished records one summarizer exchange. Bypassed exchanges pass
// a zero duration and are not observed in the histogram.
func (m *Metrics) ExchangeFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Exchanges.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.ExchangeDuration.Observe(d.Seconds())
	}
}

// ChunkReceived counts a delivered stream chunk
func (m *Metrics) ChunkReceived() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

// BreakerState sets the current state of a named breaker
func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerStates.WithLabelValues(name).Set(float64(state))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
