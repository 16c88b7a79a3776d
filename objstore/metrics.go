package objstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
)

// storeMetrics holds Prometheus metrics for one bucket. A nil *storeMetrics records
// nothing.
type storeMetrics struct {
	registry metric.MetricsRegistrar
	owner    string

	// Operation counters and latency, by operation
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec

	// Errors by operation and error class
	errors *prometheus.CounterVec

	// Payload traffic
	bytesWritten  *prometheus.CounterVec
	bytesRead     *prometheus.CounterVec
	chunksWritten *prometheus.CounterVec
	chunksRead    *prometheus.CounterVec

	// State gauges, refreshed by Status
	objectCount  *prometheus.GaugeVec
	storageBytes *prometheus.GaugeVec
}

func newStoreMetrics(registry metric.MetricsRegistrar, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	labels := prometheus.Labels{"bucket": bucket}
	counter := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "objstore",
			Subsystem:   "store",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "objstore",
			Subsystem:   "store",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{})
	}

	m := &storeMetrics{
		registry: registry,
		owner:    "objstore_" + bucket,

		ops: counter("operations_total", "Total number of store operations", "operation"),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "objstore",
			Subsystem:   "store",
			Name:        "operation_duration_seconds",
			Help:        "Store operation duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"operation"}),
		errors: counter("operation_errors_total", "Total number of failed store operations",
			"operation", "class"),

		bytesWritten:  counter("bytes_written_total", "Payload bytes written"),
		bytesRead:     counter("bytes_read_total", "Payload bytes read"),
		chunksWritten: counter("chunks_written_total", "Chunks published"),
		chunksRead:    counter("chunks_read_total", "Chunks read"),

		objectCount:  gauge("object_count", "Current number of objects in the bucket"),
		storageBytes: gauge("storage_bytes", "Total size of current objects"),
	}

	counters := map[string]*prometheus.CounterVec{
		"ops":            m.ops,
		"errors":         m.errors,
		"bytes_written":  m.bytesWritten,
		"bytes_read":     m.bytesRead,
		"chunks_written": m.chunksWritten,
		"chunks_read":    m.chunksRead,
	}
	for name, c := range counters {
		if err := registry.RegisterCounterVec(m.owner, name, c); err != nil {
			m.unregister()
			return nil, err
		}
	}
	if err := registry.RegisterHistogramVec(m.owner, "latency", m.latency); err != nil {
		m.unregister()
		return nil, err
	}
	if err := registry.RegisterGaugeVec(m.owner, "object_count", m.objectCount); err != nil {
		m.unregister()
		return nil, err
	}
	if err := registry.RegisterGaugeVec(m.owner, "storage_bytes", m.storageBytes); err != nil {
		m.unregister()
		return nil, err
	}

	return m, nil
}

// unregister removes every metric of the bucket from the registry
func (m *storeMetrics) unregister() {
	if m == nil {
		return
	}
	for _, name := range []string{
		"ops", "errors", "bytes_written", "bytes_read", "chunks_written", "chunks_read",
		"latency", "object_count", "storage_bytes",
	} {
		m.registry.Unregister(m.owner, name)
	}
}

// observe records one operation's outcome and latency
func (m *storeMetrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil && !errors.IsNotFound(err) {
		m.errors.WithLabelValues(operation, errors.Classify(err).String()).Inc()
	}
}

func (m *storeMetrics) recordWrite(bytes uint64, chunks int) {
	if m != nil {
		m.bytesWritten.WithLabelValues().Add(float64(bytes))
		m.chunksWritten.WithLabelValues().Add(float64(chunks))
	}
}

func (m *storeMetrics) recordRead(bytes uint64, chunks int) {
	if m != nil {
		m.bytesRead.WithLabelValues().Add(float64(bytes))
		m.chunksRead.WithLabelValues().Add(float64(chunks))
	}
}

func (m *storeMetrics) updateState(objects, bytes uint64) {
	if m != nil {
		m.objectCount.WithLabelValues().Set(float64(objects))
		m.storageBytes.WithLabelValues().Set(float64(bytes))
	}
}
