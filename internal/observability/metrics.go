package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "searches_total", Help: "Total searches by outcome"},
		[]string{"outcome"},
	)
	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_matching", Name: "search_latency_seconds", Help: "End to end search latency seconds"})
	StageLatency  = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "search_stage_duration_seconds",
			Help:      "Search pipeline stage latency",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"stage"},
	)
	CandidatesPerSearch = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_matching",
		Name:      "search_candidates",
		Help:      "Drivers returned by the geo index per search",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
	DegenerateRoutes = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_matching", Name: "degenerate_routes_total", Help: "Drivers excluded for malformed routes"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "drivers_online", Help: "Number of online drivers"})
	ClustersActive   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_matching", Name: "clusters_active", Help: "Number of live shareable-ride clusters"})

	FeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "feed_messages_total", Help: "Driver-state feed messages by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
