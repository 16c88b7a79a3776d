package objstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
)

// fakeBus records subscriptions and published messages without a NATS server
type fakeBus struct {
	mu        sync.Mutex
	subjects  []string
	published map[string][][]byte
	subErr    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Subscribe(_ context.Context, subject string, _ func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.subjects = append(b.subjects, subject)
	return nil, nil
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBus) events(t *testing.T, subject string) []Event {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, data := range b.published[subject] {
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		out = append(out, e)
	}
	return out
}

func TestService_Handle(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, BucketConfig{Name: "svc", ChunkSize: 4})
	svc := NewService(store, newFakeBus(), WithEventsSubject(""))

	resp := svc.Handle(ctx, Request{Action: "put", Key: "greeting", Data: []byte("hello world")})
	require.True(t, resp.Success, resp.Error)
	require.NotNil(t, resp.Info)
	assert.Equal(t, uint32(3), resp.Info.Chunks)

	resp = svc.Handle(ctx, Request{Action: "get", Key: "greeting"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []byte("hello world"), resp.Data)

	resp = svc.Handle(ctx, Request{
		Action: "put",
		Key:    "described",
		Data:   []byte("x"),
		Meta:   &ObjectMeta{Description: "with meta"},
	})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "described", resp.Info.Name)
	assert.Equal(t, "with meta", resp.Info.Description)

	resp = svc.Handle(ctx, Request{Action: "update_meta", Key: "greeting", Meta: &ObjectMeta{Description: "hi"}})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "hi", resp.Info.Description)
	assert.Equal(t, uint64(2), resp.Info.Revision)

	resp = svc.Handle(ctx, Request{Action: "list"})
	require.True(t, resp.Success, resp.Error)
	assert.Len(t, resp.Infos, 2)

	resp = svc.Handle(ctx, Request{Action: "status"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, uint64(2), resp.Status.EntryCount)

	resp = svc.Handle(ctx, Request{Action: "delete", Key: "greeting"})
	require.True(t, resp.Success, resp.Error)

	resp = svc.Handle(ctx, Request{Action: "info", Key: "greeting"})
	assert.False(t, resp.Success)
	assert.Equal(t, "greeting", resp.Key)
	assert.Equal(t, errors.ErrorInvalid.String(), resp.ErrorClass)

	stats := svc.Stats()
	assert.Equal(t, uint64(8), stats.Requests)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.False(t, stats.Started)
}

func TestService_HandleInvalidRequests(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, BucketConfig{Name: "svc"})
	svc := NewService(store, newFakeBus())

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown action", Request{Action: "rename", Key: "a"}},
		{"update without meta", Request{Action: "update_meta", Key: "a"}},
		{"put without key", Request{Action: "put"}},
		{"get missing", Request{Action: "get", Key: "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := svc.Handle(ctx, tt.req)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, errors.ErrorInvalid.String(), resp.ErrorClass)
		})
	}
}

func TestService_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	store, _ := newTestStore(t, BucketConfig{Name: "svc"})
	svc := NewService(store, newFakeBus(), WithServiceMetrics(registry))

	resp := svc.Handle(context.Background(), Request{Action: "list"})
	require.True(t, resp.Success, resp.Error)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "objstore_api_requests_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestService_StartPublishesEvents(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, BucketConfig{Name: "svc"})
	bus := newFakeBus()
	svc := NewService(store, bus)

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, []string{"objstore.svc.api"}, bus.subjects)
	assert.True(t, svc.Stats().Started)

	_, err := store.PutString(ctx, "a", "1")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "a"))

	require.Eventually(t, func() bool {
		return len(bus.events(t, "objstore.svc.events")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	events := bus.events(t, "objstore.svc.events")
	assert.Equal(t, "updated", events[0].Type)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, uint64(1), events[0].Revision)
	assert.Equal(t, "deleted", events[1].Type)
	assert.Equal(t, uint64(2), events[1].Revision)

	require.NoError(t, svc.Stop(time.Second))
	assert.False(t, svc.Stats().Started)
	assert.Equal(t, uint64(2), svc.Stats().Events)
}

func TestService_StartSubscribeFailure(t *testing.T) {
	store, _ := newTestStore(t, BucketConfig{Name: "svc"})
	bus := newFakeBus()
	bus.subErr = errors.New("connection refused")
	svc := NewService(store, bus, WithAPISubject("custom.api"))

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, svc.Stats().Started)
}
