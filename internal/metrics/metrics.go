// Package metrics provides Prometheus metrics for the ingestion jobs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/johndauphine/shopify-bulk-ingest/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ingestion metrics. A nil or disabled Metrics ignores
// every call.
type Metrics struct {
	// Counters
	RunsTotal        *prometheus.CounterVec
	BytesDownloaded  prometheus.Counter
	RecordsStaged    *prometheus.CounterVec
	RowsMerged       *prometheus.CounterVec
	RowsDeleted      *prometheus.CounterVec
	Quarantined      *prometheus.CounterVec
	CheckpointsSaved prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec

	// Gauges
	ActiveRuns prometheus.Gauge

	// Histograms
	StageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	enabled  bool
}

// New creates the metrics for cfg. Nothing is registered when metrics are
// disabled.
func New(cfg config.MetricsConfig) *Metrics {
	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}
	if !cfg.Enabled {
		return m
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "shopify_ingest"
	}

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Ingestion runs finished, by outcome",
		},
		[]string{"operation", "status"},
	)

	m.BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "download_bytes_total",
			Help:      "Export bytes received over the wire",
		},
	)

	m.RecordsStaged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "staged_records_total",
			Help:      "Records copied into staging, by entity and validation status",
		},
		[]string{"entity", "status"},
	)

	m.RowsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "merged_rows_total",
			Help:      "Canonical rows inserted or changed by merge",
		},
		[]string{"entity"},
	)

	m.RowsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deleted_rows_total",
			Help:      "Canonical rows removed by full-snapshot merges",
		},
		[]string{"entity"},
	)

	m.Quarantined = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "quarantined_children_total",
			Help:      "Child records never attached to a parent",
		},
		[]string{"reason"}, // "orphan", "late"
	)

	m.CheckpointsSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoints persisted on run records",
		},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Failed stages by error kind",
		},
		[]string{"stage", "kind"},
	)

	m.ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Ingestion passes currently executing in this process",
		},
	)

	m.StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each ingestion stage",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	m.registry.MustRegister(
		m.RunsTotal,
		m.BytesDownloaded,
		m.RecordsStaged,
		m.RowsMerged,
		m.RowsDeleted,
		m.Quarantined,
		m.CheckpointsSaved,
		m.ErrorsTotal,
		m.ActiveRuns,
		m.StageDuration,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m != nil && m.enabled
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(operation, status string) {
	if m.IsEnabled() {
		m.RunsTotal.WithLabelValues(operation, status).Inc()
	}
}

// AddBytesDownloaded adds received export bytes.
func (m *Metrics) AddBytesDownloaded(n int64) {
	if m.IsEnabled() && n > 0 {
		m.BytesDownloaded.Add(float64(n))
	}
}

// AddStaged adds staged records for an entity.
func (m *Metrics) AddStaged(entity string, valid, invalid int64) {
	if !m.IsEnabled() {
		return
	}
	if valid > 0 {
		m.RecordsStaged.WithLabelValues(entity, "valid").Add(float64(valid))
	}
	if invalid > 0 {
		m.RecordsStaged.WithLabelValues(entity, "invalid").Add(float64(invalid))
	}
}

// AddMerged adds merge results for an entity.
func (m *Metrics) AddMerged(entity string, upserted, deleted int64) {
	if !m.IsEnabled() {
		return
	}
	m.RowsMerged.WithLabelValues(entity).Add(float64(upserted))
	if deleted > 0 {
		m.RowsDeleted.WithLabelValues(entity).Add(float64(deleted))
	}
}

// AddQuarantined adds quarantined children.
func (m *Metrics) AddQuarantined(reason string, n int64) {
	if m.IsEnabled() && n > 0 {
		m.Quarantined.WithLabelValues(reason).Add(float64(n))
	}
}

// AddCheckpoints adds persisted checkpoints.
func (m *Metrics) AddCheckpoints(n int) {
	if m.IsEnabled() && n > 0 {
		m.CheckpointsSaved.Add(float64(n))
	}
}

// RecordError counts a failed stage.
func (m *Metrics) RecordError(stage, kind string) {
	if m.IsEnabled() {
		m.ErrorsTotal.WithLabelValues(stage, kind).Inc()
	}
}

// RunStarted and RunFinished track the active run gauge.
func (m *Metrics) RunStarted() {
	if m.IsEnabled() {
		m.ActiveRuns.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m.IsEnabled() {
		m.ActiveRuns.Dec()
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m.IsEnabled() {
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}
