package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CorpusFiles counts rule files by load outcome: loaded, skipped or failed.
	CorpusFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "corpus",
			Name:      "files_total",
			Help:      "Total number of rule files processed by the corpus loader",
		},
		[]string{"outcome"},
	)

	// CorpusLoadIssues counts non-fatal load errors by kind: parse or data_quality.
	CorpusLoadIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "corpus",
			Name:      "load_issues_total",
			Help:      "Total number of rule files or sections dropped during loading",
		},
		[]string{"kind"},
	)

	CorpusLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sigmadex",
			Subsystem: "corpus",
			Name:      "load_duration_seconds",
			Help:      "Time taken to walk and parse the rule corpus",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// IndexRows reports the number of rows in each index table after the last build.
	IndexRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sigmadex",
			Subsystem: "index",
			Name:      "rows",
			Help:      "Number of rows per index table",
		},
		[]string{"table"},
	)

	IndexRowsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "index",
			Name:      "rows_skipped_total",
			Help:      "Total number of records rejected by the index store",
		},
		[]string{"table"},
	)

	IndexBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sigmadex",
			Subsystem: "index",
			Name:      "build_duration_seconds",
			Help:      "Time taken to write the index in a single transaction",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// SearchRequests counts search operations.
	// Labels:
	//   - operation: term, documents, fetch or stats
	//   - outcome: ok, invalid, not_found or error
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Total number of search service operations",
		},
		[]string{"operation", "outcome"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sigmadex",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Time spent executing search service operations",
			Buckets: []float64{
				0.0001, // 100μs
				0.0005, // 500μs
				0.001,  // 1ms
				0.005,  // 5ms
				0.01,   // 10ms
				0.05,   // 50ms
				0.1,    // 100ms
				0.5,    // 500ms
				1.0,    // 1s
			},
		},
		[]string{"operation"},
	)

	SearchCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "search",
			Name:      "cache_hits_total",
			Help:      "Total number of search results served from the result cache",
		},
	)

	SearchCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "search",
			Name:      "cache_misses_total",
			Help:      "Total number of searches that had to query the index",
		},
	)

	// HTTPRequests counts API requests by route template and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sigmadex",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests served",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sigmadex",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
