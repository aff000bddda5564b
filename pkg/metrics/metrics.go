// Package metrics registers the process-wide Prometheus collectors.
//
// Collectors are registered on the default registry via promauto; the
// hosting service decides whether and where to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PPRCacheHits counts fresh cache hits served without recompute.
	PPRCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helixgraph_ppr_cache_hits_total",
		Help: "PPR cache lookups answered by a fresh entry.",
	})

	// PPRCacheMisses counts lookups that found no entry or one past its TTL
	// tier. Lookups of entries marked stale count under PPRCacheStaleHits.
	PPRCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helixgraph_ppr_cache_misses_total",
		Help: "PPR cache lookups with no entry or an expired one.",
	})

	// PPRCacheStaleHits counts lookups that found an entry marked stale.
	PPRCacheStaleHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helixgraph_ppr_cache_stale_hits_total",
		Help: "PPR cache lookups that hit an invalidated entry.",
	})

	// PPRWarmupComputed counts cache entries recomputed by the warmup job.
	PPRWarmupComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helixgraph_ppr_warmup_computed_total",
		Help: "PPR cache entries computed by warmup runs.",
	})

	// PPRLiveDuration observes wall time of uncached PPR runs.
	PPRLiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "helixgraph_ppr_live_duration_seconds",
		Help:    "Latency of live PPR computations.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// PPRCacheLookupDuration observes cache lookup latency, hits and
	// misses alike.
	PPRCacheLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "helixgraph_ppr_cache_lookup_duration_seconds",
		Help:    "Latency of PPR cache lookups.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	})

	// HybridSearchDuration observes end-to-end hybrid retrieval latency.
	HybridSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "helixgraph_hybrid_search_duration_seconds",
		Help:    "Latency of SearchHybrid calls.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)
