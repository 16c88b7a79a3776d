package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains process-level metrics: the NATS connection and the API service.
// Per-bucket storage metrics live with the objstore package.
type Metrics struct {
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec

	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the process-level metrics, unregistered
func NewMetrics() *Metrics {
	return &Metrics{
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "objstore",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API requests by bucket, action and outcome",
			},
			[]string{"bucket", "action", "status"},
		),

		APIDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "objstore",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"bucket", "action"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "objstore",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "objstore",
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "objstore",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "objstore",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.APIRequests,
		c.APIDuration,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordAPIRequest counts one API request and observes its duration
func (c *Metrics) RecordAPIRequest(bucket, action string, ok bool, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	c.APIRequests.WithLabelValues(bucket, action, status).Inc()
	c.APIDuration.WithLabelValues(bucket, action).Observe(duration.Seconds())
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(open bool) {
	if c == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	c.NATSCircuitBreaker.Set(value)
}
