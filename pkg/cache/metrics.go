package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts batch responses served from Redis.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "person_cache_hits_total",
			Help: "Total number of provider response cache hits",
		},
	)

	// CacheMisses counts lookups that fell through to the provider.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "person_cache_misses_total",
			Help: "Total number of provider response cache misses",
		},
	)

	// CacheStoredBytes counts bytes written to the cache.
	CacheStoredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "person_cache_stored_bytes_total",
			Help: "Total bytes of provider responses written to the cache",
		},
	)

	// CacheErrors counts failed cache operations.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "person_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
