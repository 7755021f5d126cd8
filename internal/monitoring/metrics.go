// Package monitoring - metrics.go exports exchange metrics to Prometheus.
//
// DESIGN: One private registry per Collector so tests and multiple servers
// never collide on the default registry.
//
// Metrics (namespace prefixed):
//   - exchanges_total{status,streaming}
//   - exchange_duration_seconds{streaming}
//   - upstream_failures_total{kind}
//   - relayed_bytes_total{streaming}
//   - usage_tokens_total{type}
//   - history_size
package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records exchange metrics. A disabled Collector accepts every
// call and records nothing.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry

	exchangesTotal  *prometheus.CounterVec
	exchangeLatency *prometheus.HistogramVec
	failuresTotal   *prometheus.CounterVec
	relayedBytes    *prometheus.CounterVec
	usageTokens     *prometheus.CounterVec
}

// NewCollector creates and registers the exchange metrics. historySize is
// sampled on every scrape; it may be nil.
func NewCollector(cfg MetricsConfig, historySize func() int) *Collector {
	c := &Collector{enabled: cfg.Enabled, registry: prometheus.NewRegistry()}
	if !cfg.Enabled {
		return c
	}

	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		// LLM calls range from sub-second model listings to multi-minute generations.
		buckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	}

	c.exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "exchanges_total",
			Help:      "Finalized exchanges by terminal status",
		},
		[]string{"status", "streaming"},
	)
	c.exchangeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from exchange creation to terminal state",
			Buckets:   buckets,
		},
		[]string{"streaming"},
	)
	c.failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed exchanges by failure kind",
		},
		[]string{"kind"},
	)
	c.relayedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "relayed_bytes_total",
			Help:      "Response bytes relayed to callers",
		},
		[]string{"streaming"},
	)
	c.usageTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "usage_tokens_total",
			Help:      "Token usage reported by the backend",
		},
		[]string{"type"},
	)

	c.registry.MustRegister(
		c.exchangesTotal,
		c.exchangeLatency,
		c.failuresTotal,
		c.relayedBytes,
		c.usageTokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if historySize != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "history_size",
				Help:      "Exchanges currently retained in history",
			},
			func() float64 { return float64(historySize()) },
		))
	}
	return c
}

// Enabled reports whether metrics are recorded.
func (c *Collector) Enabled() bool { return c.enabled }

// RecordExchange records a finalized exchange.
func (c *Collector) RecordExchange(o *ExchangeOutcome) {
	if !c.enabled {
		return
	}
	streaming := strconv.FormatBool(o.Streaming)
	c.exchangesTotal.WithLabelValues(o.Status, streaming).Inc()
	c.exchangeLatency.WithLabelValues(streaming).Observe(o.Duration.Seconds())
	if o.BytesRelayed > 0 {
		c.relayedBytes.WithLabelValues(streaming).Add(float64(o.BytesRelayed))
	}
	if o.Usage.PromptTokens > 0 {
		c.usageTokens.WithLabelValues("prompt").Add(float64(o.Usage.PromptTokens))
	}
	if o.Usage.CompletionTokens > 0 {
		c.usageTokens.WithLabelValues("completion").Add(float64(o.Usage.CompletionTokens))
	}
}

// RecordFailure records a failure of the given kind.
func (c *Collector) RecordFailure(kind string) {
	if !c.enabled {
		return
	}
	c.failuresTotal.WithLabelValues(kind).Inc()
}

// Registry exposes the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	if !c.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
