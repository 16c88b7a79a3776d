// Package errors provides the object store's error taxonomy and wrapping helpers.
//
// # Error Classification
//
// Errors fall in one of three classes:
//
//   - Transient: transport timeouts, disconnects, an open circuit breaker (retry may succeed)
//   - Invalid: missing buckets or objects, bad metadata, oversized payloads (do not retry)
//   - Fatal: corrupted objects, digest mismatches, bad configuration (stop and report)
//
// The object store never retries on its own. Callers use IsTransient, or a
// RetryConfig converted with ToRetryConfig, to decide.
//
// # Sentinels
//
// Every failure surfaced by the objstore and stream packages wraps a sentinel so that
// errors.Is works through any amount of context:
//
//	info, err := store.GetInfo(ctx, "report.pdf")
//	if errors.Is(err, errors.ErrObjectNotFound) {
//	    // absent or tombstoned
//	}
//
// Transport failures keep both the transport's own error and the class sentinel
// (ErrTransportTimeout or ErrTransportUnavailable) in the chain.
//
// # Wrapping Pattern
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and the classified variants record the class alongside the message:
//
//	errors.WrapTransient(err, "Store", "Put", "publish chunk")
//	errors.WrapInvalid(errors.ErrObjectNotFound, "Store", "Get", "lookup object")
//	errors.WrapFatal(errors.ErrObjectCorrupted, "Store", "Get", "verify digest")
package errors
