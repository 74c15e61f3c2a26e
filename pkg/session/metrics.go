package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits counts responses served from the cache.
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reqcache_hits_total",
			Help: "Total number of requests served from cache",
		},
	)

	// cacheMisses counts lookups that found no usable entry, by reason.
	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_misses_total",
			Help: "Total number of cache misses by reason",
		},
		[]string{"reason"}, // "absent", "expired"
	)

	// passthroughs counts requests that bypassed the cache entirely.
	passthroughs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_passthrough_total",
			Help: "Total number of requests that bypassed the cache",
		},
		[]string{"reason"}, // "disabled", "method"
	)

	// storageErrors counts backend failures by operation.
	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reqcache_storage_errors_total",
			Help: "Total number of cache storage errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "alias"
	)

	// throttleWait observes the delay applied before throttled fetches.
	throttleWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reqcache_throttle_wait_seconds",
			Help:    "Time spent waiting on throttle rules before a fetch",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
		},
	)
)
