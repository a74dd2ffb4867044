package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	frontHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_front_tier_hits_total",
		Help: "Lookups served from the front tier",
	})
	backingHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_backing_tier_hits_total",
		Help: "Lookups served from the backing tier",
	})
	misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_misses_total",
		Help: "Lookups that fell through to the versioned source",
	})
	invalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livecache_invalidations_total",
		Help: "Change events applied as invalidations",
	})
	sourceFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livecache_source_fetch_duration_seconds",
		Help:    "Latency of versioned source fetches on cache miss",
		Buckets: prometheus.DefBuckets,
	})
)

func IncFrontHit()     { frontHits.Inc() }
func IncBackingHit()   { backingHits.Inc() }
func IncMiss()         { misses.Inc() }
func IncInvalidation() { invalidations.Inc() }

func ObserveSourceFetch(seconds float64) { sourceFetchSeconds.Observe(seconds) }
