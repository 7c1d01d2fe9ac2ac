// Package metrics holds the Prometheus collectors of the tasksync server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tasksync"
)

// Sync item kinds, one per sub-list of a sync batch.
const (
	KindCreated = "created"
	KindUpdated = "updated"
	KindDeleted = "deleted"
)

// Sync item outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeConflict = "conflict"
)

// Metrics holds all Prometheus metrics for the tasksync service
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Sync metrics
	SyncItemsTotal *prometheus.CounterVec
	SyncDuration   prometheus.Histogram

	// Change feed metrics
	FeedClients   prometheus.Gauge
	FeedBroadcast prometheus.Counter
}

// New creates a Metrics instance with all collectors registered on a fresh
// registry, together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   []float64{.005, .01, .05, .1, .3, 1, 3},
			},
			[]string{"method", "route"},
		),

		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests",
			},
		),

		SyncItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_items_total",
				Help:      "Sync batch items by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		SyncDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_duration_seconds",
				Help:      "Duration of sync exchanges in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),

		FeedClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feed_clients",
				Help:      "Number of connected change feed clients",
			},
		),

		FeedBroadcast: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_broadcast_total",
				Help:      "Total number of change notifications broadcast",
			},
		),
	}
}

// RecordSyncItem counts one processed sync item.
func (m *Metrics) RecordSyncItem(kind, outcome string) {
	if m == nil {
		return
	}
	m.SyncItemsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSync observes the duration of one sync exchange.
func (m *Metrics) RecordSync(duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(duration.Seconds())
}

// RecordRequest records a finished HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
