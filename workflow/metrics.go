package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step outcomes recorded by PrometheusMetrics.
const (
	OutcomeExecuted = "executed"
	OutcomeReplayed = "replayed"
	OutcomeError    = "error"
	OutcomeAborted  = "aborted"
)

// Idempotent call outcomes recorded by PrometheusMetrics.
const (
	CallHit      = "hit"
	CallMiss     = "miss"
	CallConflict = "conflict"
)

// PrometheusMetrics collects runner and idempotent-call metrics.
//
// Metrics exposed (all namespaced with "idempotent_"):
//
//  1. steps_total (counter): steps by outcome (executed, replayed, error, aborted).
//     Labels: step, outcome.
//  2. step_latency_ms (histogram): step body duration in milliseconds.
//     Labels: step, status.
//  3. lease_waits_total (counter): polls while another worker held a lease.
//     Labels: step.
//  4. checkpoint_retries_total (counter): checkpoint writes retried inside the lease window.
//     Labels: step.
//  5. rollbacks_total (counter): rollback hook runs.
//     Labels: step, result (success, failed).
//  6. calls_total (counter): idempotent calls by outcome (hit, miss, conflict).
//     Labels: task, outcome.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := workflow.NewPrometheusMetrics(registry)
//	t, err := workflow.New(workflow.WithRPCAdapter(adapter), workflow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics records nothing.
type PrometheusMetrics struct {
	steps             *prometheus.CounterVec
	stepLatency       *prometheus.HistogramVec
	leaseWaits        *prometheus.CounterVec
	checkpointRetries *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	calls             *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates the collectors and registers them with
// registry, or with prometheus.DefaultRegisterer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idempotent",
		Name:      "steps_total",
		Help:      "Workflow steps by outcome",
	}, []string{"step", "outcome"})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "idempotent",
		Name:      "step_latency_ms",
		Help:      "Step body duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"step", "status"})

	pm.leaseWaits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idempotent",
		Name:      "lease_waits_total",
		Help:      "Lease polls while another worker held the step",
	}, []string{"step"})

	pm.checkpointRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idempotent",
		Name:      "checkpoint_retries_total",
		Help:      "Checkpoint writes retried inside the lease window",
	}, []string{"step"})

	pm.rollbacks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idempotent",
		Name:      "rollbacks_total",
		Help:      "Rollback hook runs after an unacknowledged checkpoint",
	}, []string{"step", "result"})

	pm.calls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "idempotent",
		Name:      "calls_total",
		Help:      "Idempotent task calls by outcome",
	}, []string{"task", "outcome"})

	return pm
}

func (pm *PrometheusMetrics) active() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStep counts a finished step. latency is observed for steps whose
// body ran; pass zero for replayed steps.
func (pm *PrometheusMetrics) RecordStep(stepKey, outcome string, latency time.Duration) {
	if !pm.active() {
		return
	}

	pm.steps.WithLabelValues(stepKey, outcome).Inc()
	if outcome != OutcomeReplayed {
		status := "success"
		if outcome == OutcomeError {
			status = "error"
		}
		pm.stepLatency.WithLabelValues(stepKey, status).Observe(float64(latency.Milliseconds()))
	}
}

// IncrementLeaseWaits counts one poll of a lease held by another worker.
func (pm *PrometheusMetrics) IncrementLeaseWaits(stepKey string) {
	if !pm.active() {
		return
	}

	pm.leaseWaits.WithLabelValues(stepKey).Inc()
}

// IncrementCheckpointRetries counts one retried checkpoint write.
func (pm *PrometheusMetrics) IncrementCheckpointRetries(stepKey string) {
	if !pm.active() {
		return
	}

	pm.checkpointRetries.WithLabelValues(stepKey).Inc()
}

// RecordRollback counts a rollback hook run.
func (pm *PrometheusMetrics) RecordRollback(stepKey string, ok bool) {
	if !pm.active() {
		return
	}

	result := "success"
	if !ok {
		result = "failed"
	}
	pm.rollbacks.WithLabelValues(stepKey, result).Inc()
}

// RecordCall counts an idempotent task call.
func (pm *PrometheusMetrics) RecordCall(taskName, outcome string) {
	if !pm.active() {
		return
	}

	pm.calls.WithLabelValues(taskName, outcome).Inc()
}

// Disable stops recording until Enable is called.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset drops every recorded series.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.steps.Reset()
	pm.stepLatency.Reset()
	pm.leaseWaits.Reset()
	pm.checkpointRetries.Reset()
	pm.rollbacks.Reset()
	pm.calls.Reset()
}
