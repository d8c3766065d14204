// Package metrics exposes Prometheus collectors for the gateway pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-gateway/internal/relay"
)

// LLMBuckets covers LLM latencies from 100ms up to the 30 minute client timeout.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900, 1800}

// Collector groups every gateway metric. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	activeStreams  *prometheus.GaugeVec
	chunks         *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	invalid        *prometheus.CounterVec
	stalls         *prometheus.CounterVec
	retries        *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
}

// NewCollector registers the gateway metrics on registry. A nil registry
// gets a fresh one.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "llm_gateway"
	}

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by backend and outcome.",
		}, []string{"backend", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end chat completion duration.",
			Buckets:   LLMBuckets,
		}, []string{"backend"}),
		activeStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Upstream responses currently being relayed.",
		}, []string{"backend"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_chunks_total",
			Help:      "Chunks written to callers.",
		}, []string{"backend"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes written to callers.",
		}, []string{"backend"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_chunks_total",
			Help:      "Whitespace only chunks dropped by the relay.",
		}, []string{"backend"}),
		invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_chunks_total",
			Help:      "Chunks that failed advisory shape validation.",
		}, []string{"backend"}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_stalls_total",
			Help:      "Upstream reads that returned no data.",
		}, []string{"backend"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_retries_total",
			Help:      "Upstream reads retried after an abnormal result.",
		}, []string{"backend"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Pipeline failures by kind.",
		}, []string{"backend", "kind"}),
	}

	registry.MustRegister(
		c.requests,
		c.duration,
		c.activeStreams,
		c.chunks,
		c.bytes,
		c.skipped,
		c.invalid,
		c.stalls,
		c.retries,
		c.upstreamErrors,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveRequest records one finished request.
func (c *Collector) ObserveRequest(backend, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(backend, outcome).Inc()
	c.duration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveRelay adds the counters of one relay run.
func (c *Collector) ObserveRelay(backend string, stats relay.Stats) {
	if c == nil {
		return
	}
	c.chunks.WithLabelValues(backend).Add(float64(stats.Chunks))
	c.bytes.WithLabelValues(backend).Add(float64(stats.Bytes))
	c.skipped.WithLabelValues(backend).Add(float64(stats.Skipped))
	c.invalid.WithLabelValues(backend).Add(float64(stats.Invalid))
	c.stalls.WithLabelValues(backend).Add(float64(stats.Stalls))
	c.retries.WithLabelValues(backend).Add(float64(stats.Retries))
}

// ObserveFailure counts a classified pipeline failure.
func (c *Collector) ObserveFailure(backend, kind string) {
	if c == nil {
		return
	}
	c.upstreamErrors.WithLabelValues(backend, kind).Inc()
}

// StreamStarted marks a relay as active and returns the matching release func.
func (c *Collector) StreamStarted(backend string) func() {
	if c == nil {
		return func() {}
	}
	g := c.activeStreams.WithLabelValues(backend)
	g.Inc()
	return g.Dec
}
