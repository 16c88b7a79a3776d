package objstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
	"github.com/c360/objstore/stream"
)

// Manager creates, opens and deletes buckets on a stream transport
type Manager struct {
	transport    stream.Transport
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	strictCreate bool
	storeOpts    []StoreOption

	mu      sync.Mutex
	metrics map[string]*storeMetrics
}

// NewManager creates a bucket manager over t
func NewManager(t stream.Transport, opts ...ManagerOption) *Manager {
	m := &Manager{
		transport: t,
		logger:    slog.Default(),
		metrics:   make(map[string]*storeMetrics),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateBucket creates a bucket and returns its store. An existing bucket is opened
// as is, or rejected with ErrBucketExists under WithStrictCreate.
func (m *Manager) CreateBucket(ctx context.Context, cfg BucketConfig, opts ...StoreOption) (*Store, error) {
	if err := ValidateBucketName(cfg.Name); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "CreateBucket", "validate bucket name")
	}
	if cfg.ChunkSize < 0 || cfg.TTL < 0 || cfg.MaxBytes < 0 || cfg.MaxMsgs < 0 || cfg.Replicas < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: negative bucket limit", errors.ErrInvalidConfig),
			"Manager", "CreateBucket", "validate bucket config")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}

	existing, err := m.transport.StreamInfo(ctx, streamName(cfg.Name), "")
	switch {
	case err == nil:
		if m.strictCreate {
			return nil, errors.WrapInvalid(errors.ErrBucketExists, "Manager", "CreateBucket", "create "+cfg.Name)
		}
		m.logger.Debug("Opening existing bucket", "bucket", cfg.Name)
		return m.open(bucketConfigFromStream(cfg.Name, existing.Config), opts)
	case !errors.Is(err, stream.ErrStreamNotFound):
		return nil, errors.WrapClassified(err, "Manager", "CreateBucket", "look up stream")
	}

	info, err := m.transport.CreateStream(ctx, cfg.toStreamConfig())
	if err != nil {
		if errors.Is(err, stream.ErrStreamExists) {
			if m.strictCreate {
				return nil, errors.WrapInvalid(errors.ErrBucketExists, "Manager", "CreateBucket", "create "+cfg.Name)
			}
			return m.Bucket(ctx, cfg.Name, opts...)
		}
		return nil, errors.WrapClassified(err, "Manager", "CreateBucket", "create stream")
	}

	m.logger.Info("Created bucket", "bucket", cfg.Name, "chunk_size", cfg.ChunkSize, "storage", cfg.Storage)
	return m.open(bucketConfigFromStream(cfg.Name, info.Config), opts)
}

// Bucket opens an existing bucket
func (m *Manager) Bucket(ctx context.Context, name string, opts ...StoreOption) (*Store, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "Bucket", "validate bucket name")
	}

	info, err := m.transport.StreamInfo(ctx, streamName(name), "")
	if err != nil {
		return nil, errors.WrapClassified(bucketError(err), "Manager", "Bucket", "open "+name)
	}
	return m.open(bucketConfigFromStream(name, info.Config), opts)
}

// DeleteBucket destroys a bucket and everything in it
func (m *Manager) DeleteBucket(ctx context.Context, name string) error {
	if err := ValidateBucketName(name); err != nil {
		return errors.WrapInvalid(err, "Manager", "DeleteBucket", "validate bucket name")
	}

	if err := m.transport.DeleteStream(ctx, streamName(name)); err != nil {
		return errors.WrapClassified(bucketError(err), "Manager", "DeleteBucket", "delete "+name)
	}

	m.mu.Lock()
	if sm, ok := m.metrics[name]; ok {
		sm.unregister()
		delete(m.metrics, name)
	}
	m.mu.Unlock()

	m.logger.Info("Deleted bucket", "bucket", name)
	return nil
}

func (m *Manager) open(cfg BucketConfig, opts []StoreOption) (*Store, error) {
	var so storeOptions
	for _, opt := range m.storeOpts {
		opt(&so)
	}
	for _, opt := range opts {
		opt(&so)
	}

	sm, err := m.bucketMetrics(cfg.Name)
	if err != nil {
		return nil, errors.WrapClassified(err, "Manager", "open", "register metrics")
	}
	return newStore(m.transport, cfg, so, sm, m.logger), nil
}

// bucketMetrics registers a bucket's metrics once and shares them between stores
func (m *Manager) bucketMetrics(bucket string) (*storeMetrics, error) {
	if m.registry == nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sm, ok := m.metrics[bucket]; ok {
		return sm, nil
	}
	sm, err := newStoreMetrics(m.registry, bucket)
	if err != nil {
		return nil, err
	}
	m.metrics[bucket] = sm
	return sm, nil
}
