// Package metrics registers the Prometheus instrumentation for the crawl
// and ingest pipelines. Metrics are registered against a caller-provided
// registry so unit tests stay hermetic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics owned by the pipeline.
type Metrics struct {
	// PagesVisited counts pages fetched during discovery.
	PagesVisited prometheus.Counter

	// URLsDiscovered counts URLs accepted into the discovered set.
	URLsDiscovered prometheus.Counter

	// PageFailures counts per-URL fetch failures, partitioned by phase
	// ("discovery" or "ingest").
	PageFailures *prometheus.CounterVec

	// ScrapeRetries counts retry attempts during ingestion scrapes.
	ScrapeRetries prometheus.Counter

	// DocumentsProcessed counts documents finishing ingestion, partitioned
	// by outcome ("completed", "failed", "skipped").
	DocumentsProcessed *prometheus.CounterVec

	// ChunksEmbedded counts chunks successfully embedded and persisted.
	ChunksEmbedded prometheus.Counter

	// EmbedDuration records the wall-clock duration of embedding calls per
	// document.
	EmbedDuration prometheus.Histogram

	// NavigationDuration records browser navigation latency.
	NavigationDuration prometheus.Histogram
}

// New registers all pipeline metrics against reg and returns the populated
// Metrics. promauto.With(reg) is used so each call registers into the
// provided registry rather than the global default.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PagesVisited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekb",
			Subsystem: "crawl",
			Name:      "pages_visited_total",
			Help:      "Total number of pages fetched during discovery.",
		}),

		URLsDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekb",
			Subsystem: "crawl",
			Name:      "urls_discovered_total",
			Help:      "Total number of URLs accepted into the discovered set.",
		}),

		PageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitekb",
			Subsystem: "crawl",
			Name:      "page_failures_total",
			Help:      "Total number of per-URL fetch failures, partitioned by phase.",
		}, []string{"phase"}),

		ScrapeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekb",
			Subsystem: "ingest",
			Name:      "scrape_retries_total",
			Help:      "Total number of scrape retry attempts during ingestion.",
		}),

		DocumentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitekb",
			Subsystem: "ingest",
			Name:      "documents_processed_total",
			Help:      "Total number of documents finishing ingestion, partitioned by outcome.",
		}, []string{"outcome"}),

		ChunksEmbedded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sitekb",
			Subsystem: "ingest",
			Name:      "chunks_embedded_total",
			Help:      "Total number of chunks embedded and persisted.",
		}),

		EmbedDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sitekb",
			Subsystem: "ingest",
			Name:      "embed_duration_seconds",
			Help:      "Wall-clock duration of embedding calls per document.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		NavigationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sitekb",
			Subsystem: "crawl",
			Name:      "navigation_duration_seconds",
			Help:      "Browser navigation latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30},
		}),
	}
}
