// Package observability — metrics.go
//
// Prometheus metrics for sgxbench.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: sgxbench_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for sgxbench.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Experiment / iteration lifecycle ─────────────────────────────────────

	// ExperimentTotal counts experiments started, by regime.
	ExperimentTotal *prometheus.CounterVec

	// IterationTotal counts iterations completed, by regime and outcome
	// (ok, target_nonzero, aborted).
	IterationTotal *prometheus.CounterVec

	// IterationDurationSeconds records wall-clock iteration duration, from
	// spawning the stop-wrapper through the last collector drain.
	IterationDurationSeconds prometheus.Histogram

	// ActiveExperimentIndex is the 0-based index of the experiment
	// currently running, for external progress monitoring.
	ActiveExperimentIndex prometheus.Gauge

	// ─── Collectors ────────────────────────────────────────────────────────────

	// CollectorAttachFailuresTotal counts collectors whose Drain reported
	// StatusFailed, by collector kind. A collector that fails to arm
	// (CollectorInitFailed) aborts the iteration and is not counted here.
	CollectorAttachFailuresTotal *prometheus.CounterVec

	// CollectorDroppedTotal counts individual sub-probe drops (e.g. a
	// missing SGX kprobe symbol), by collector kind.
	CollectorDroppedTotal *prometheus.CounterVec

	// ─── Enclave builds ────────────────────────────────────────────────────────

	// EnclaveBuildsTotal counts enclave build attempts, by outcome (ok, failed).
	EnclaveBuildsTotal *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates and registers all sgxbench Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ExperimentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sgxbench",
			Subsystem: "experiment",
			Name:      "total",
			Help:      "Total experiments started, by regime.",
		}, []string{"regime"}),

		IterationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sgxbench",
			Subsystem: "iteration",
			Name:      "total",
			Help:      "Total iterations completed, by regime and outcome.",
		}, []string{"regime", "outcome"}),

		IterationDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sgxbench",
			Subsystem: "iteration",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of one iteration, from target spawn through collector drain.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),

		ActiveExperimentIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sgxbench",
			Subsystem: "experiment",
			Name:      "active_index",
			Help:      "0-based index of the experiment currently running in the plan.",
		}),

		CollectorAttachFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sgxbench",
			Subsystem: "collector",
			Name:      "attach_failures_total",
			Help:      "Total collectors whose drain reported failed, by collector kind.",
		}, []string{"collector"}),

		CollectorDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sgxbench",
			Subsystem: "collector",
			Name:      "dropped_total",
			Help:      "Total sub-probe drops tolerated without aborting the iteration, by collector kind.",
		}, []string{"collector"}),

		EnclaveBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sgxbench",
			Subsystem: "enclave",
			Name:      "builds_total",
			Help:      "Total enclave build attempts, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ExperimentTotal,
		m.IterationTotal,
		m.IterationDurationSeconds,
		m.ActiveExperimentIndex,
		m.CollectorAttachFailuresTotal,
		m.CollectorDroppedTotal,
		m.EnclaveBuildsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Binds to
// addr (e.g. "127.0.0.1:9091") and serves GET /metrics and /healthz.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
