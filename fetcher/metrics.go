package fetcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request kinds used as the "kind" label.
const (
	kindIndex = "index"
	kindCIF   = "cif"
)

// Metrics bundles Prometheus collectors for the fetcher. Request counts
// and latencies are split by kind so slow index pages are not hidden by
// many small CIF downloads.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	FilesTotal      prometheus.Counter
	BytesTotal      prometheus.Counter
	FileSize        prometheus.Histogram
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
}

// NewMetrics registers the fetcher collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learninglib_fetch_requests_total",
			Help: "HTTP requests issued while fetching CIF files.",
		}, []string{"kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "learninglib_fetch_request_duration_seconds",
			Help:    "HTTP request latency by request kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		FilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "learninglib_fetch_files_total",
			Help: "CIF files written to the download directory.",
		}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "learninglib_fetch_bytes_total",
			Help: "Bytes of CIF content written to the download directory.",
		}),
		FileSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "learninglib_fetch_file_size_bytes",
			Help:    "Size of downloaded CIF files.",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "learninglib_fetch_retries_total",
			Help: "Retry attempts scheduled.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learninglib_fetch_errors_total",
			Help: "Fetch errors by type.",
		}, []string{"error_type"}),
	}

	m.Registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.FilesTotal,
		m.BytesTotal,
		m.FileSize,
		m.RetriesTotal,
		m.ErrorsTotal,
	)
	return m
}

// IncRequest counts a request of the given kind.
func (m *Metrics) IncRequest(kind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
}

// ObserveDuration records the latency of a request of the given kind.
func (m *Metrics) ObserveDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveFile counts a stored CIF file of n bytes.
func (m *Metrics) ObserveFile(n int) {
	if m == nil {
		return
	}
	m.FilesTotal.Inc()
	m.BytesTotal.Add(float64(n))
	m.FileSize.Observe(float64(n))
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
