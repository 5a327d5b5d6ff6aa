package metrics

import "github.com/prometheus/client_golang/prometheus"

// Data access Prometheus metrics.
var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mindshop",
			Name:      "query_duration_seconds",
			Help:      "Tenant-scoped query duration in seconds",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"query_type"},
	)

	QueryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindshop",
			Name:      "query_errors_total",
			Help:      "Tenant-scoped queries that failed",
		},
		[]string{"query_type", "stage"}, // stage: validate / intercept / execute
	)

	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindshop",
			Name:      "security_events_total",
			Help:      "Rejected queries and isolation warnings",
		},
		[]string{"kind"},
	)

	EncryptionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mindshop",
			Name:      "encryption_failures_total",
			Help:      "Result fields replaced by the encryption failure marker",
		},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindshop",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result",
		},
		[]string{"result"}, // hit / miss / stale / error
	)

	CacheRevalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mindshop",
			Name:      "cache_revalidations_total",
			Help:      "Background stale-while-revalidate refreshes by outcome",
		},
		[]string{"outcome"}, // refreshed / superseded / dropped / failed / emptied
	)

	AuditBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mindshop",
			Name:      "audit_buffer_entries",
			Help:      "Query metrics records held in memory",
		},
	)
)

func storeCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		QueryDuration,
		QueryErrorsTotal,
		SecurityEventsTotal,
		EncryptionFailuresTotal,
		CacheRequestsTotal,
		CacheRevalidationsTotal,
		AuditBufferSize,
	}
}
