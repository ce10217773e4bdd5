package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/specflow/pkg/engine"
)

// Metrics provides Prometheus metrics for specflow. A disabled Metrics
// accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionAttempts  *prometheus.HistogramVec
	sessionRetries   *prometheus.CounterVec
	inFlight         prometheus.Gauge

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	// Drift metrics
	driftEvents  *prometheus.CounterVec
	haltedItems  prometheus.Gauge
	itemsByState *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of executor sessions started",
			},
			[]string{"phase"},
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_finished_total",
				Help:      "Total number of dispatches finished, by outcome",
			},
			[]string{"phase", "outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of a dispatch including retries",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"phase"},
		),
		sessionAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_attempts",
				Help:      "Executor attempts per dispatch",
				Buckets:   []float64{1, 2, 3, 5, 8},
			},
			[]string{"phase"},
		),
		sessionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_retries_total",
				Help:      "Total number of retried executor calls, by error class",
			},
			[]string{"phase", "class"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_in_flight",
				Help:      "Current number of open executor sessions",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of orchestrator runs, by exit code",
			},
			[]string{"exit_code"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of orchestrator runs",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		driftEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_events_total",
				Help:      "Total number of drift events raised",
			},
			[]string{"category", "severity"},
		),
		haltedItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "halted_items",
				Help:      "Items currently held by unresolved halting drift",
			},
		),
		itemsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "items",
				Help:      "Active work items by lifecycle status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.sessionDuration,
		m.sessionAttempts,
		m.sessionRetries,
		m.inFlight,
		m.runsCompleted,
		m.runDuration,
		m.driftEvents,
		m.haltedItems,
		m.itemsByState,
	)

	return m, nil
}

// SessionStarted implements engine.MetricsRecorder.
func (m *Metrics) SessionStarted(phase engine.Phase) {
	if m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(string(phase)).Inc()
	m.inFlight.Inc()
}

// SessionFinished implements engine.MetricsRecorder.
func (m *Metrics) SessionFinished(phase engine.Phase, outcome engine.Outcome, attempts int, duration time.Duration) {
	if m.sessionsFinished == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(string(phase), string(outcome)).Inc()
	m.sessionDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
	m.sessionAttempts.WithLabelValues(string(phase)).Observe(float64(attempts))
	m.inFlight.Dec()
}

// SessionRetried implements engine.MetricsRecorder.
func (m *Metrics) SessionRetried(phase engine.Phase, err error) {
	if m.sessionRetries == nil {
		return
	}
	class := "unknown"
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class = string(ee.Class)
	} else if errors.Is(err, context.DeadlineExceeded) {
		class = string(engine.ErrorClassTransient)
	}
	m.sessionRetries.WithLabelValues(string(phase), class).Inc()
}

// RecordRun records a finished orchestrator run.
func (m *Metrics) RecordRun(exitCode int, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(exitCodeLabel(exitCode)).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordDrift counts raised drift events.
func (m *Metrics) RecordDrift(events []engine.DriftEvent) {
	if m.driftEvents == nil {
		return
	}
	for _, ev := range events {
		m.driftEvents.WithLabelValues(ev.Category, string(ev.Severity)).Inc()
	}
}

// SetHalted sets the number of items held by halting drift.
func (m *Metrics) SetHalted(count int) {
	if m.haltedItems == nil {
		return
	}
	m.haltedItems.Set(float64(count))
}

// SetItemCounts replaces the per-status item gauge.
func (m *Metrics) SetItemCounts(counts map[engine.PhaseStatus]int) {
	if m.itemsByState == nil {
		return
	}
	m.itemsByState.Reset()
	for status, n := range counts {
		m.itemsByState.WithLabelValues(string(status)).Set(float64(n))
	}
}

func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "other"
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics on addr until ctx is done. It blocks.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
