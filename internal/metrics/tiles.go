package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "osm2bmap"

var (
	// Tile service metrics
	TileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "requests_total",
		Help:      "Total number of tile requests by result",
	}, []string{"result"})

	TileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "cache_hits_total",
		Help:      "Total number of tile requests answered from the cache",
	})

	TileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "cache_misses_total",
		Help:      "Total number of tile requests that generated a fresh page",
	})

	TileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "errors_total",
		Help:      "Total number of aborted tile builds by error code",
	}, []string{"code"})

	SuppressedWays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "suppressed_ways_total",
		Help:      "Total number of ways left out because a neighbour tile carried them",
	})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "build_duration_seconds",
		Help:      "Duration of fresh tile builds",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1200},
	})

	PageSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tiles",
		Name:      "page_size_bytes",
		Help:      "Size of generated tile pages",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	})

	// Upstream metrics
	UpstreamRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total number of upstream map API requests",
	})

	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "latency_seconds",
		Help:      "Time until the upstream map API answered",
		Buckets:   prometheus.DefBuckets,
	})

	UpstreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "bytes_total",
		Help:      "Total number of XML bytes read from the upstream",
	})
)
