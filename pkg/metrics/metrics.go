// Package metrics defines the Prometheus metric collectors used by the
// ingestion pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	PagesFetchedTotal      *prometheus.CounterVec
	FetchDuration          *prometheus.HistogramVec
	RecordsExtractedTotal  *prometheus.CounterVec
	RecordsSkippedTotal    *prometheus.CounterVec
	UnparsedValuesTotal    *prometheus.CounterVec
	RowsUpsertedTotal      *prometheus.CounterVec
	SourcesTotal           *prometheus.CounterVec
	SourceDuration         *prometheus.HistogramVec
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	NotificationsFailed    prometheus.Counter
	CircuitBreakerState    *prometheus.GaugeVec
	LastSuccessfulIngestTS *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	cs       []prometheus.Collector
}

// New creates all collectors and registers them with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent of the global registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PagesFetchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_pages_fetched_total",
				Help: "Report pages fetched by source and outcome (ok, cached, error).",
			},
			[]string{"source", "outcome"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_fetch_duration_seconds",
				Help:    "Latency of a single page fetch in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		),
		RecordsExtractedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_extracted_total",
				Help: "Records extracted by record kind.",
			},
			[]string{"kind"},
		),
		RecordsSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_skipped_total",
				Help: "Malformed leaf records or documents skipped, by source and reason.",
			},
			[]string{"source", "reason"},
		),
		UnparsedValuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_unparsed_values_total",
				Help: "Numeric fields carried through as unparsed text, by kind and field.",
			},
			[]string{"kind", "field"},
		),
		RowsUpsertedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_rows_upserted_total",
				Help: "Rows upserted and committed by table.",
			},
			[]string{"table"},
		),
		SourcesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_sources_total",
				Help: "Sources processed by outcome (ok, failed).",
			},
			[]string{"outcome"},
		),
		SourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_source_duration_seconds",
				Help:    "Wall time to fetch, extract and commit one source.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"source"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_page_cache_hits_total",
				Help: "Total number of page cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_page_cache_misses_total",
				Help: "Total number of page cache misses.",
			},
		),
		NotificationsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_notifications_failed_total",
				Help: "Completion events that could not be published.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_circuit_breaker_state",
				Help: "Circuit breaker state per host (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		LastSuccessfulIngestTS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_last_success_timestamp_seconds",
				Help: "Unix time of the last committed batch per source.",
			},
			[]string{"source"},
		),
		gatherer: reg,
	}

	m.cs = []prometheus.Collector{
		m.PagesFetchedTotal,
		m.FetchDuration,
		m.RecordsExtractedTotal,
		m.RecordsSkippedTotal,
		m.UnparsedValuesTotal,
		m.RowsUpsertedTotal,
		m.SourcesTotal,
		m.SourceDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.NotificationsFailed,
		m.CircuitBreakerState,
		m.LastSuccessfulIngestTS,
	}
	reg.MustRegister(m.cs...)

	return m
}

// Handler returns the scrape handler for the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Push sends every collector to a Pushgateway. Batch runs exit before a
// scraper would see them, so this is how nightly jobs report.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	pusher := push.New(gatewayURL, job)
	for _, c := range m.cs {
		pusher = pusher.Collector(c)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
