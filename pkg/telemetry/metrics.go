package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the deckhand collectors in a private registry. A nil or
// disabled Metrics ignores every Record call.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	gateDecisions *prometheus.CounterVec

	cloudCalls  *prometheus.CounterVec
	cloudErrors *prometheus.CounterVec

	errorsByClass    *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec
	policyViolations *prometheus.CounterVec
}

func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.StepBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: cfg.Namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("runs_started_total", "Workflow runs started.", "workflow", "event"),
		runsCompleted: counter("runs_completed_total", "Workflow runs finished, by final status.", "workflow", "status"),
		runDuration:   histogram("run_duration_seconds", "Wall time of workflow runs.", "workflow", "status"),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Name: "active_runs", Help: "Runs currently executing.",
		}),

		stepsExecuted: counter("steps_executed_total", "Steps finished, by action and outcome.", "action", "status"),
		stepDuration:  histogram("step_duration_seconds", "Wall time of steps.", "action"),
		gateDecisions: counter("gate_decisions_total", "Provisioning gate decisions.", "decision", "event"),

		cloudCalls:  counter("cloud_calls_total", "Azure API calls.", "service", "operation"),
		cloudErrors: counter("cloud_errors_total", "Failed Azure API calls.", "service", "operation"),

		errorsByClass:    counter("errors_by_class_total", "Step errors by class.", "class"),
		errorsByCode:     counter("errors_by_code_total", "Step errors by code.", "code"),
		policyViolations: counter("policy_violations_total", "Lint violations.", "policy", "severity"),
	}

	if err := registerAll(m.registry,
		m.runsStarted, m.runsCompleted, m.runDuration, m.activeRuns,
		m.stepsExecuted, m.stepDuration, m.gateDecisions,
		m.cloudCalls, m.cloudErrors,
		m.errorsByClass, m.errorsByCode, m.policyViolations,
	); err != nil {
		return nil, err
	}
	return m, nil
}

func registerAll(reg *prometheus.Registry, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

func (m *Metrics) RecordRunStarted(workflow, event string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(workflow, event).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RecordRunCompleted(workflow, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

func (m *Metrics) RecordStep(action, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(action, status).Inc()
	m.stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordGateDecision counts a noop, plan or apply decision.
func (m *Metrics) RecordGateDecision(decision, event string) {
	if !m.enabled() {
		return
	}
	m.gateDecisions.WithLabelValues(decision, event).Inc()
}

func (m *Metrics) RecordCloudCall(service, operation string, err error) {
	if !m.enabled() {
		return
	}
	m.cloudCalls.WithLabelValues(service, operation).Inc()
	if err != nil {
		m.cloudErrors.WithLabelValues(service, operation).Inc()
	}
}

// RecordError counts a step error by class, and by code when it has one.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if !m.enabled() {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer serves the registry on the configured address until
// ctx is done. Listen errors are logged, not returned.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return nil
}
