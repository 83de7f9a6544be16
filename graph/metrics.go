package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes engine metrics under the "sc" namespace:
//
//   - sc_inflight_nodes: nodes currently running
//   - sc_queue_depth: queued nodes waiting for a slot
//   - sc_node_latency_ms: node duration by step and final status
//   - sc_node_transitions_total: status transitions by status
//   - sc_retries_total: remote submission retries by step and reason
//   - sc_backpressure_events_total: ready nodes held back by the
//     concurrency limit
//
// Metrics can be disabled at run time; a nil *PrometheusMetrics is valid
// and records nothing.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge

	nodeLatency *prometheus.HistogramVec
	transitions *prometheus.CounterVec

	retries      *prometheus.CounterVec
	backpressure *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the engine metrics with registry, or with
// the default registerer when registry is nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "sc",
		Name:      "inflight_nodes",
		Help:      "Current number of running pipeline nodes",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "sc",
		Name:      "queue_depth",
		Help:      "Number of queued nodes waiting for a dispatch slot",
	})

	pm.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sc",
		Name:      "node_latency_ms",
		Help:      "Node wall clock time in milliseconds, from dispatch to completion",
		Buckets:   []float64{10, 100, 1000, 10000, 60000, 600000, 3600000, 36000000}, // 10ms to 10h
	}, []string{"step", "status"})

	pm.transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sc",
		Name:      "node_transitions_total",
		Help:      "Node status transitions by target status",
	}, []string{"status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sc",
		Name:      "retries_total",
		Help:      "Remote submission retries",
	}, []string{"step", "reason"}) // reason: rejected, lost

	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sc",
		Name:      "backpressure_events_total",
		Help:      "Ready nodes held back because every dispatch slot was busy",
	}, []string{"reason"}) // reason: max_concurrent

	return pm
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordNodeLatency observes the duration of a finished node.
func (pm *PrometheusMetrics) RecordNodeLatency(step string, latency time.Duration, status Status) {
	if !pm.on() {
		return
	}
	pm.nodeLatency.WithLabelValues(step, string(status)).Observe(float64(latency.Milliseconds()))
}

// IncrementTransitions counts a status transition.
func (pm *PrometheusMetrics) IncrementTransitions(status Status) {
	if !pm.on() {
		return
	}
	pm.transitions.WithLabelValues(string(status)).Inc()
}

// IncrementRetries counts a retried submission.
func (pm *PrometheusMetrics) IncrementRetries(step, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(step, reason).Inc()
}

// IncrementBackpressure counts a dispatch held back by the concurrency
// limit.
func (pm *PrometheusMetrics) IncrementBackpressure(reason string) {
	if !pm.on() {
		return
	}
	pm.backpressure.WithLabelValues(reason).Inc()
}

// UpdateQueueDepth sets the queued node gauge.
func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

// UpdateInflightNodes sets the running node gauge.
func (pm *PrometheusMetrics) UpdateInflightNodes(count int) {
	if !pm.on() {
		return
	}
	pm.inflightNodes.Set(float64(count))
}

// Disable stops recording.
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

// Reset zeroes the gauges.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightNodes.Set(0)
	pm.queueDepth.Set(0)
}
