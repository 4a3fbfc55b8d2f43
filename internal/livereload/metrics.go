package livereload

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "live_scratch"

// Metrics holds the Prometheus collectors of the live-reload server. A nil
// *Metrics records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	published      prometheus.Counter
	publishedBytes prometheus.Histogram
	dropped        prometheus.Counter
	clients        prometheus.Gauge
	requests       *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry, together with
// the standard Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "archives_published_total",
			Help:      "Archives pushed to connected editors.",
		}),
		publishedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "archive_size_bytes",
			Help:      "Size of published archives.",
			Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_dropped_total",
			Help:      "Pending archives replaced by a newer one before a slow client received them.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_clients",
			Help:      "Connected live-reload clients.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "api_requests_total",
			Help:      "Sync API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.published, m.publishedBytes, m.dropped, m.clients, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observePublish(size int) {
	if m == nil {
		return
	}

	m.published.Inc()
	m.publishedBytes.Observe(float64(size))
}

func (m *Metrics) observeDropped(n int) {
	if m == nil || n == 0 {
		return
	}

	m.dropped.Add(float64(n))
}

func (m *Metrics) setClients(n int) {
	if m == nil {
		return
	}

	m.clients.Set(float64(n))
}

func (m *Metrics) observeRequest(route string, code int) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
