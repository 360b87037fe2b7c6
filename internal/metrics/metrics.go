// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequestsTotal       *prometheus.CounterVec
	apiRequestDuration     prometheus.Histogram
	crawlPagesTotal        *prometheus.CounterVec
	crawlItemsReadTotal    prometheus.Counter
	snapshotsInsertedTotal *prometheus.CounterVec
	entitiesIngestedTotal  *prometheus.CounterVec
	runTransitionsTotal    *prometheus.CounterVec
	assetBatchesTotal      *prometheus.CounterVec
	queueActiveWorkers     prometheus.Gauge
	queueUnitsTotal        *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "civitai_api_requests_total",
				Help: "API request attempts, labeled by outcome (ok, retry, error).",
			},
			[]string{"outcome"},
		)

		apiRequestDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "civitai_api_request_duration_seconds",
				Help:    "Latency of single API request attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Crawl pages processed, labeled by status.",
			},
			[]string{"status"},
		)

		crawlItemsReadTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_items_read_total",
				Help: "Items read from API pages.",
			},
		)

		snapshotsInsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_snapshots_total",
				Help: "Snapshot writes, labeled by entity type and result (inserted, existing).",
			},
			[]string{"entity", "result"},
		)

		entitiesIngestedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_entities_ingested_total",
				Help: "Ingestion outcomes, labeled by entity type and result (inserted, duplicate, parse_error, error).",
			},
			[]string{"entity", "result"},
		)

		runTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_run_transitions_total",
				Help: "Run status transitions, labeled by the new status.",
			},
			[]string{"status"},
		)

		assetBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_asset_batches_total",
				Help: "Asset task batches forwarded to the worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_queue_active_workers",
				Help: "Number of task queue units currently executing.",
			},
		)

		queueUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_queue_units_total",
				Help: "Task queue units finished, labeled by action and status.",
			},
			[]string{"action", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAPIRequest records one API attempt.
func ObserveAPIRequest(outcome string, duration time.Duration) {
	Init()
	apiRequestsTotal.WithLabelValues(outcome).Inc()
	apiRequestDuration.Observe(duration.Seconds())
}

// ObservePage records a processed crawl page and the number of items it held.
func ObservePage(status string, items int) {
	Init()
	crawlPagesTotal.WithLabelValues(status).Inc()
	if items > 0 {
		crawlItemsReadTotal.Add(float64(items))
	}
}

// ObserveSnapshot records a snapshot write.
func ObserveSnapshot(entity string, inserted bool) {
	Init()
	result := "existing"
	if inserted {
		result = "inserted"
	}
	snapshotsInsertedTotal.WithLabelValues(entity, result).Inc()
}

// ObserveIngest records the outcome of ingesting one snapshot.
func ObserveIngest(entity, result string) {
	Init()
	entitiesIngestedTotal.WithLabelValues(entity, result).Inc()
}

// ObserveRunTransition records a run entering status.
func ObserveRunTransition(status string) {
	Init()
	runTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveAssetBatch records the outcome of one asset batch.
func ObserveAssetBatch(outcome string) {
	Init()
	assetBatchesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	queueActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	queueActiveWorkers.Dec()
}

// ObserveQueueUnit records a finished task queue unit.
func ObserveQueueUnit(action, status string) {
	Init()
	queueUnitsTotal.WithLabelValues(action, status).Inc()
}
