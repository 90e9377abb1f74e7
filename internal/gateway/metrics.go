// ABOUTME: Prometheus metrics for sockets, events, persists and broadcasts
// ABOUTME: Registered on a per-gateway registry and served at metrics.path

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Persist paths
const (
	pathSocket = "socket"
	pathHTTP   = "http"
)

type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	persisted   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	deliveries  prometheus.Counter
	dispatch    prometheus.Histogram
}

// newMetrics builds a fresh registry so several gateways can coexist in one
// process (tests do this).
func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "convo",
			Name:      "connections_active",
			Help:      "Number of open socket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Name:      "events_received_total",
			Help:      "Inbound socket events by type.",
		}, []string{"type"}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Name:      "messages_persisted_total",
			Help:      "Messages appended to the store, by write path.",
		}, []string{"path"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Name:      "send_failures_total",
			Help:      "Failed message sends by failure code.",
		}, []string{"code"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "convo",
			Name:      "broadcast_deliveries_total",
			Help:      "Frames handed to room members by broadcasts.",
		}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convo",
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dispatch start to persisted message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.events,
		m.persisted,
		m.failures,
		m.deliveries,
		m.dispatch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
