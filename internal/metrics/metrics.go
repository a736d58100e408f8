// Package metrics holds the Prometheus collectors for the nearest-vehicle
// index and its queries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query outcomes.
const (
	OutcomeFound     = "found"
	OutcomeEmpty     = "empty"
	OutcomeCancelled = "cancelled"
)

// Metrics is one set of registered collectors. Each registry gets its own
// set, so tests can use a fresh prometheus.NewRegistry.
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	NodesVisited      prometheus.Histogram
	IndexedPositions  prometheus.Gauge
	IndexDepth        prometheus.Gauge
	RebuildsTotal     *prometheus.CounterVec
	RebuildDuration   prometheus.Histogram
	DivergencesTotal  prometheus.Counter
	HTTPRequestsTotal *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// QueriesTotal counts nearest queries by prune mode and outcome
		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_nearest_queries_total",
			Help: "Total nearest-vehicle queries by prune mode and outcome",
		}, []string{"prune", "outcome"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_nearest_query_duration_seconds",
			Help:    "Nearest-vehicle query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1µs to ~260ms
		}, []string{"prune"}),

		NodesVisited: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_nearest_nodes_visited",
			Help:    "Tree nodes examined per nearest-vehicle query",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),

		IndexedPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_index_positions",
			Help: "Positions in the current index",
		}),

		IndexDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_index_depth",
			Help: "Depth of the current kd-tree",
		}),

		// RebuildsTotal counts index generations by how they were produced
		RebuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_index_rebuilds_total",
			Help: "Total index rebuilds by trigger and result",
		}, []string{"trigger", "result"}), // trigger: "source" or "upload"

		RebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_index_rebuild_duration_seconds",
			Help:    "Time to load positions and build the index",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),

		DivergencesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fleet_verify_divergences_total",
			Help: "Queries whose tree answer differed from a linear scan",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
	}
}
