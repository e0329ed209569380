// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Relay outcome label values. Every relay ends with exactly one of them.
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
	OutcomeStopped  = "stopped"
)

// Dropped event label values.
const (
	DropStale        = "stale"
	DropCancelEcho   = "cancel_echo"
	DropDeadConsumer = "dead_consumer"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelaysActive  prometheus.Gauge
	RelayOutcomes *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
	AddressErrors prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_relay_upstream_header_duration_seconds",
			Help:    "Time from issuing an upstream request to receiving its headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RelaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_relay_relays_active",
			Help: "Number of live request/fetch pairings.",
		}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_relay_relays_total",
			Help: "Completed relays by outcome (finished, failed, stopped).",
		}, []string{"outcome"}),

		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_relay_dropped_events_total",
			Help: "Fetch events not delivered to a consumer, by reason.",
		}, []string{"reason"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_relay_cache_lookups_total",
			Help: "Static cache lookups by result (hit, miss).",
		}, []string{"result"}),

		AddressErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intercept_relay_address_errors_total",
			Help: "Intercepted requests rejected because their address was malformed.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelaysActive,
		m.RelayOutcomes,
		m.DroppedEvents,
		m.CacheLookups,
		m.AddressErrors,
	)

	return m
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Intercepted requests are routed under /_intercept, so every virtual
// address collapses into that one label.
var knownPrefixes = []string{"/_intercept", "/healthz", "/relay", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
