package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vaultdump/internal/progress"
	"vaultdump/internal/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page statuses used as label values.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	pagesTotal      *prometheus.CounterVec
	rowsTotal       prometheus.Counter
	retriesTotal    *prometheus.CounterVec
	tokenFailures   prometheus.Counter
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a collector with its own registry, so several exports can live
// in one process.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultdump_pages_total",
				Help: "Total number of pages processed",
			},
			[]string{"status"},
		),
		rowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vaultdump_rows_total",
				Help: "Total rows fetched",
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultdump_retries_total",
				Help: "Retries of vault calls by operation and error class",
			},
			[]string{"op", "error_class"},
		),
		tokenFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vaultdump_token_failures_total",
				Help: "Pages whose tokens could not be fetched",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vaultdump_inflight_workers",
				Help: "Number of workers currently fetching",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vaultdump_page_duration_seconds",
				Help:    "Time taken to fetch a page including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.pagesTotal,
		c.rowsTotal,
		c.retriesTotal,
		c.tokenFailures,
		c.inflightWorkers,
		c.duration,
	)

	return c
}

// IncSuccess counts a fetched page and its rows
func (c *Collector) IncSuccess(rows int) {
	c.pagesTotal.WithLabelValues(StatusSuccess).Inc()
	c.rowsTotal.Add(float64(rows))
	c.progressTracker.AddSuccess(int64(rows))
}

// IncFailed counts a page that failed permanently
func (c *Collector) IncFailed() {
	c.pagesTotal.WithLabelValues(StatusFailed).Inc()
	c.progressTracker.AddFailed()
}

// IncInterrupted counts a page abandoned during shutdown
func (c *Collector) IncInterrupted() {
	c.pagesTotal.WithLabelValues(StatusInterrupted).Inc()
	c.progressTracker.AddFailed()
}

// IncTokenFailure counts a page whose token rows are blank
func (c *Collector) IncTokenFailure() {
	c.tokenFailures.Inc()
}

// ObserveRetry counts one retry of a vault call
func (c *Collector) ObserveRetry(op string, class vault.ErrorClass, _ time.Duration) {
	c.retriesTotal.WithLabelValues(op, string(class)).Inc()
}

// WorkerStarted marks a worker busy
func (c *Collector) WorkerStarted() {
	c.inflightWorkers.Inc()
}

// WorkerDone marks a worker idle
func (c *Collector) WorkerDone() {
	c.inflightWorkers.Dec()
}

// ObserveDuration observes page fetch duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// SetTotalCounts sets the total counts for progress tracking
func (c *Collector) SetTotalCounts(pages, rows int64) {
	c.progressTracker.SetTotal(pages, rows)
}
