// Package metric provides the Prometheus registry and HTTP endpoint for the object store.
//
// A MetricsRegistry owns a private prometheus.Registry preloaded with Go runtime and
// process collectors plus the process-level Metrics (NATS connection state, API
// request counts). Packages that own further metrics, such as objstore's per-bucket
// store metrics and natsclient's stream gauges, register them through the
// MetricsRegistrar methods; the owner/name pair must be unique.
//
//	registry := metric.NewMetricsRegistry()
//	mgr := objstore.NewManager(transport, objstore.WithMetrics(registry))
//	go metric.NewServer(9090, "/metrics", registry).Start()
package metric
