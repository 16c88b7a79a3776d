// Package retry provides exponential backoff retry logic for transient failures.
//
// The object store does not retry by itself. Callers opt in, either around their own
// calls or through objstore.WithRetry for idempotent metadata reads:
//
//	cfg := retry.DefaultConfig()
//	cfg.Retryable = errors.IsTransient
//	info, err := retry.DoWithResult(ctx, cfg, func() (*objstore.ObjectInfo, error) {
//	    return store.GetInfo(ctx, "report.pdf")
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately regardless of Retryable.
// A single-attempt config returns fn's error unwrapped.
package retry
