package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "handshakes_total",
			Help:      "Version handshakes by outcome.",
		},
		[]string{"outcome"},
	)
	negotiatedVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "negotiated_version",
			Help:      "Protocol version selected by the latest handshake.",
		},
	)
	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "invocations_total",
			Help:      "Invocations submitted, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "invocation_duration_seconds",
			Help:      "Wall time from request submission to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "responses_total",
			Help:      "Inbound response frames by opcode.",
		},
		[]string{"opcode"},
	)
	creditWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "credit_waits_total",
			Help:      "Times a writer blocked on exhausted write credit.",
		},
	)
	channelClosures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "beanrpc",
			Subsystem: "channel",
			Name:      "closures_total",
			Help:      "Transport closures broadcast to pending invocations.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beanrpc",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the diagnostics surface.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beanrpc",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			handshakes,
			negotiatedVersion,
			invocations,
			invocationDuration,
			responses,
			creditWaits,
			channelClosures,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordHandshake(outcome string, version int) {
	RegisterMetrics()
	handshakes.WithLabelValues(outcome).Inc()
	if version > 0 {
		negotiatedVersion.Set(float64(version))
	}
}

func RecordInvocation(kind, outcome string, duration time.Duration) {
	RegisterMetrics()
	invocations.WithLabelValues(kind, outcome).Inc()
	if duration > 0 {
		invocationDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

func RecordResponse(opcode string) {
	RegisterMetrics()
	responses.WithLabelValues(opcode).Inc()
}

func RecordCreditWait() {
	RegisterMetrics()
	creditWaits.Inc()
}

func RecordChannelClosure() {
	RegisterMetrics()
	channelClosures.Inc()
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}
