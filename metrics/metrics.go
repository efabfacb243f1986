// CLAUDE:SUMMARY Prometheus collectors for harvesting, image acquisition and ingestion runs; nil-safe recorder methods.
// Package metrics exposes live pipeline counters on a private Prometheus
// registry. Every recorder method is safe on a nil *Metrics so components
// can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vitrine"

// Metrics bundles the collectors and the registry they live in.
type Metrics struct {
	reg *prometheus.Registry

	pages       *prometheus.CounterVec
	fragments   *prometheus.CounterVec
	products    *prometheus.CounterVec
	extractErrs *prometheus.CounterVec
	navErrs     *prometheus.CounterVec
	images      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	items       prometheus.Gauge
	vectors     prometheus.Gauge
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "pages_total",
			Help: "Catalog pages yielded by the navigator.",
		}, []string{"site"}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "fragments_total",
			Help: "Product fragments found on catalog pages.",
		}, []string{"site"}),
		products: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "products_total",
			Help: "Products extracted from fragments.",
		}, []string{"site"}),
		extractErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "extraction_errors_total",
			Help: "Fragments dropped because a required field was missing.",
		}, []string{"site", "field"}),
		navErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "harvest", Name: "navigation_errors_total",
			Help: "Recovered navigation step failures.",
		}, []string{"site", "step"}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "images", Name: "fetches_total",
			Help: "Image acquisitions by outcome (cached, fetched, failed).",
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "runs_total",
			Help: "Ingestion runs by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "run_duration_seconds",
			Help:    "Wall time of ingestion runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		items: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "items",
			Help: "Rows in the relational store after the last run.",
		}),
		vectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vectors",
			Help: "Records in the similarity store after the last run.",
		}),
	}
	m.reg.MustRegister(
		m.pages, m.fragments, m.products, m.extractErrs, m.navErrs,
		m.images, m.runs, m.runDuration, m.items, m.vectors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Page(site string, fragments int) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(site).Inc()
	m.fragments.WithLabelValues(site).Add(float64(fragments))
}

func (m *Metrics) Product(site string) {
	if m == nil {
		return
	}
	m.products.WithLabelValues(site).Inc()
}

func (m *Metrics) ExtractionError(site, field string) {
	if m == nil {
		return
	}
	m.extractErrs.WithLabelValues(site, field).Inc()
}

func (m *Metrics) NavigationError(site, step string) {
	if m == nil {
		return
	}
	m.navErrs.WithLabelValues(site, step).Inc()
}

// Image outcomes.
const (
	ImageCached  = "cached"
	ImageFetched = "fetched"
	ImageFailed  = "failed"
)

func (m *Metrics) Image(outcome string) {
	if m == nil {
		return
	}
	m.images.WithLabelValues(outcome).Inc()
}

// Run records a finished ingestion run and the store sizes it left.
func (m *Metrics) Run(status string, took time.Duration, items, vectors int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(took.Seconds())
	if items >= 0 {
		m.items.Set(float64(items))
	}
	if vectors >= 0 {
		m.vectors.Set(float64(vectors))
	}
}
