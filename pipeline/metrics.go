package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors of a library build.
type Metrics struct {
	Registry        *prometheus.Registry
	StructuresTotal *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	ProcessDuration prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	structures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learninglib_structures_total",
			Help: "Structures processed, by outcome.",
		},
		[]string{"status"},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "learninglib_failures_total",
			Help: "Failed structures by processing stage.",
		},
		[]string{"stage"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "learninglib_process_duration_seconds",
			Help:    "Time spent extracting the features of one structure.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	registry.MustRegister(structures, failures, duration)

	return &Metrics{
		Registry:        registry,
		StructuresTotal: structures,
		FailuresTotal:   failures,
		ProcessDuration: duration,
	}
}

// Observe records the outcome of one Process call.
func (m *Metrics) Observe(res Result) {
	if m == nil {
		return
	}
	m.ProcessDuration.Observe(res.Duration.Seconds())
	if res.OK() {
		m.StructuresTotal.WithLabelValues("ok").Inc()
		return
	}
	m.StructuresTotal.WithLabelValues("failed").Inc()
	if res.Failure != nil {
		m.FailuresTotal.WithLabelValues(StageLabel(res.Failure.Err)).Inc()
	}
}

// counters is the in-process snapshot used for progress logs and the run
// summary.
type counters struct {
	mu        sync.Mutex
	processed int64
	failed    int64
	byStage   map[string]int
	busy      time.Duration
}

func newCounters() *counters {
	return &counters{byStage: make(map[string]int)}
}

func (c *counters) add(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy += res.Duration
	if res.OK() {
		c.processed++
		return
	}
	c.failed++
	if res.Failure != nil {
		c.byStage[res.Failure.Stage]++
	}
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	byStage := make(map[string]int, len(c.byStage))
	for k, v := range c.byStage {
		byStage[k] = v
	}
	return map[string]interface{}{
		"processed_structures": c.processed,
		"failed_structures":    c.failed,
		"failures_by_stage":    byStage,
		"busy_time":            c.busy,
	}
}
