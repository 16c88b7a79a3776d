package objstore

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
	"github.com/c360/objstore/pkg/retry"
)

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager and every store it opens
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics registers per-bucket operation metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) ManagerOption {
	return func(m *Manager) {
		m.registry = registry
	}
}

// WithStrictCreate makes CreateBucket fail with ErrBucketExists instead of opening an
// existing bucket
func WithStrictCreate() ManagerOption {
	return func(m *Manager) {
		m.strictCreate = true
	}
}

// WithStoreOptions applies opts to every store the manager opens
func WithStoreOptions(opts ...StoreOption) ManagerOption {
	return func(m *Manager) {
		m.storeOpts = append(m.storeOpts, opts...)
	}
}

type storeOptions struct {
	reclaim bool
	limiter *rate.Limiter
	retry   retry.Config
}

// StoreOption tunes a Store's behaviour
type StoreOption func(*storeOptions)

// WithReclaimSuperseded purges the chunks of a revision once a later put or a delete
// commits. Readers that resolved the purged revision move on to the newer one.
//
// Each write purges the revision it read before publishing. When two puts of the same
// name race, both read the same previous revision, and the chunks of whichever commits
// first are never purged.
func WithReclaimSuperseded() StoreOption {
	return func(o *storeOptions) {
		o.reclaim = true
	}
}

// WithChunkRate limits chunk publishes to r per second with the given burst
func WithChunkRate(r rate.Limit, burst int) StoreOption {
	return func(o *storeOptions) {
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// WithRetry retries metadata lookups and stream info reads on transient errors.
// A nil Retryable defaults to errors.IsTransient. Writes are never retried.
func WithRetry(cfg retry.Config) StoreOption {
	return func(o *storeOptions) {
		if cfg.Retryable == nil {
			cfg.Retryable = errors.IsTransient
		}
		o.retry = cfg
	}
}

type getInfoOptions struct {
	includeDeleted bool
}

// GetInfoOption tunes GetInfo
type GetInfoOption func(*getInfoOptions)

// IncludeDeleted returns a tombstone instead of ErrObjectNotFound
func IncludeDeleted() GetInfoOption {
	return func(o *getInfoOptions) {
		o.includeDeleted = true
	}
}

type watchOptions struct {
	includeHistory bool
	initialValues  bool
	ignoreDeletes  bool
}

// WatchOption tunes Watch. Without options a watch delivers only changes made after it
// starts.
type WatchOption func(*watchOptions)

// IncludeHistory replays every metadata record before live updates
func IncludeHistory() WatchOption {
	return func(o *watchOptions) {
		o.includeHistory = true
	}
}

// InitialValues replays the latest record of each object before live updates
func InitialValues() WatchOption {
	return func(o *watchOptions) {
		o.initialValues = true
	}
}

// IgnoreDeletes drops tombstones from the watch
func IgnoreDeletes() WatchOption {
	return func(o *watchOptions) {
		o.ignoreDeletes = true
	}
}

// UpdatesOnly is the default: only changes made after the watch starts
func UpdatesOnly() WatchOption {
	return func(o *watchOptions) {
		o.includeHistory = false
		o.initialValues = false
	}
}
