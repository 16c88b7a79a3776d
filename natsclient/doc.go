// Package natsclient wraps a NATS connection with a circuit breaker, reconnect and
// health callbacks, and the handful of JetStream calls the stream transport needs.
//
// # Circuit Breaker
//
// Connectivity failures (timeouts, no responders, closed connections) are counted; after
// the threshold (default 5) the circuit opens and every call fails fast with
// ErrCircuitOpen until the backoff elapses. Server API errors such as "stream not found"
// are answers, not failures, and reset the count.
//
// # Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(natsclient.SlogLogger(logger)),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	transport := stream.NewJetStream(client)
//
// # Testing
//
// NewTestClient and NewSharedTestClient start a nats server container through
// testcontainers. Integration tests are behind the integration build tag and the
// INTEGRATION_TESTS environment variable.
package natsclient
