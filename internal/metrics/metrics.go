// Package metrics exposes loop telemetry for Prometheus scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the loop's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing, so callers never branch
// on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal         *prometheus.CounterVec
	TasksTotal          *prometheus.CounterVec
	CostTotal           prometheus.Counter
	CycleDuration       prometheus.Histogram
	ConsecutiveFailures prometheus.Gauge
	BatchSize           prometheus.Gauge
	ActiveWorkers       prometheus.Gauge
	MergeConflictsTotal prometheus.Counter
}

// New builds the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fixpoint_cycles_total",
				Help: "Total number of completed cycles by outcome",
			},
			[]string{"outcome"},
		),

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fixpoint_tasks_total",
				Help: "Total number of tasks processed by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		CostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fixpoint_cost_usd_total",
				Help: "Cumulative agent spend in US dollars",
			},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name: "fixpoint_cycle_duration_seconds",
				Help: "Wall-clock duration of completed cycles",
				// 1s up to ~9h; agent-bound cycles routinely run for hours.
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),

		ConsecutiveFailures: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fixpoint_consecutive_failures",
				Help: "Current run of unbroken cycle failures",
			},
		),

		BatchSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fixpoint_batch_size",
				Help: "Current adaptive batch size",
			},
		),

		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fixpoint_active_workers",
				Help: "Worker sessions currently executing",
			},
		),

		MergeConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fixpoint_merge_conflicts_total",
				Help: "Worker branches discarded because they no longer merge cleanly",
			},
		),
	}
}

// RecordCycle tallies one finished cycle.
func (m *Metrics) RecordCycle(outcome string, duration time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
	if costUSD > 0 {
		m.CostTotal.Add(costUSD)
	}
}

// RecordTask tallies one task reaching a terminal state.
func (m *Metrics) RecordTask(source, outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(source, outcome).Inc()
}

// RecordMergeConflict tallies one discarded worker branch.
func (m *Metrics) RecordMergeConflict() {
	if m == nil {
		return
	}
	m.MergeConflictsTotal.Inc()
}

// SetConsecutiveFailures updates the breaker gauge.
func (m *Metrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.Set(float64(n))
}

// SetBatchSize updates the adaptive batch gauge.
func (m *Metrics) SetBatchSize(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Set(float64(n))
}

// SetActiveWorkers updates the worker gauge.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the scrape endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("metrics endpoint listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
