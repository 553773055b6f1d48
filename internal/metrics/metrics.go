// Package metrics exposes pigeon's Prometheus instrumentation.
//
// All collectors hang off a caller-supplied registry so tests can use a
// fresh one; nothing registers against the global default.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the delivery pipeline records into.
type Metrics struct {
	// Intake.
	SubmittedTotal *prometheus.CounterVec // priority
	MergedTotal    prometheus.Counter
	DeferredTotal  *prometheus.CounterVec // reason: quiet_hours, rate_limited, channels_down, delivery_failed, backpressure, shutdown
	FilterVerdicts *prometheus.CounterVec // verdict: allowed, blocked, redacted, truncated

	// Delivery.
	SendsTotal        *prometheus.CounterVec   // channel, outcome: success, failure
	SendDuration      *prometheus.HistogramVec // channel
	AttemptsToSuccess prometheus.Histogram
	RateLimitedTotal  *prometheus.CounterVec // channel
	TerminalTotal     *prometheus.CounterVec // state

	// Offline queue.
	QueueDepth    prometheus.Gauge
	SweepsTotal   prometheus.Counter
	RequeuedTotal prometheus.Counter

	// Digest.
	DigestBuffered prometheus.Counter
	DigestFlushed  prometheus.Counter

	// Transport.
	SocketConnections prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec   // path, method, status
	HTTPDuration      *prometheus.HistogramVec // path, method, status
}

// New registers all pipeline collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SubmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "submitted_total",
			Help:      "Notification requests accepted by the orchestrator, by priority.",
		}, []string{"priority"}),
		MergedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "merged_total",
			Help:      "Requests absorbed into an earlier duplicate within the dedup window.",
		}),
		DeferredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "deferred_total",
			Help:      "Requests parked in the offline queue, by reason.",
		}, []string{"reason"}),
		FilterVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "filter_verdicts_total",
			Help:      "Content filter outcomes.",
		}, []string{"verdict"}),

		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "sends_total",
			Help:      "Channel delivery attempts, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		SendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pigeon",
			Name:      "send_duration_seconds",
			Help:      "Time spent in a single channel delivery attempt.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"channel"}),
		AttemptsToSuccess: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pigeon",
			Name:      "attempts_to_success",
			Help:      "Total attempts spent before a request was delivered.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}),
		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "rate_limited_total",
			Help:      "Channel sends rejected by the per-user rate limiter.",
		}, []string{"channel"}),
		TerminalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "terminal_total",
			Help:      "Requests reaching a terminal state, by state.",
		}, []string{"state"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pigeon",
			Name:      "offline_queue_depth",
			Help:      "Entries currently waiting in the offline queue.",
		}),
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "queue_sweeps_total",
			Help:      "Offline queue sweep runs.",
		}),
		RequeuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "queue_requeued_total",
			Help:      "Queue entries rescheduled after a failed redelivery.",
		}),

		DigestBuffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "digest_buffered_total",
			Help:      "Requests appended to a user's digest buffer.",
		}),
		DigestFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "digest_flushed_total",
			Help:      "Digest summaries submitted for delivery.",
		}),

		SocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pigeon",
			Name:      "socket_connections",
			Help:      "Open websocket connections.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pigeon",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pigeon",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}
}

// Nop returns metrics bound to a throwaway registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveSend records one channel attempt.
func (m *Metrics) ObserveSend(channel string, err error, elapsed time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.SendsTotal.WithLabelValues(channel, outcome).Inc()
	m.SendDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}
