package natsclient

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	objerrors "github.com/c360/objstore/errors"
	"github.com/c360/objstore/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Nil(t, client.GetConnection())
}

func TestNewClient_WithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	client, err := NewClient("nats://localhost:4222", WithMetrics(registry))
	require.NoError(t, err)
	require.NotNil(t, client.jsMetrics)

	// a second client on the same registry collides
	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err)
}

func TestCircuitBreaker_RecordsGauge(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://invalid:4222", WithMetrics(registry), WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	gauge := registry.CoreMetrics().NATSCircuitBreaker
	client.recordFailure()
	assert.Zero(t, testutil.ToFloat64(gauge))
	client.recordFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(gauge))

	client.resetCircuit()
	assert.Zero(t, testutil.ToFloat64(gauge))
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.NotEqual(t, StatusCircuitOpen, client.Status())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 100; i++ {
		client.recordFailure()
	}
	assert.LessOrEqual(t, client.Backoff(), time.Minute)
}

func TestCircuitBreaker_TestCircuitWithoutConnection(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	client.setStatus(StatusCircuitOpen)
	client.testCircuit()
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestRecordOutcome_APIErrorsDoNotTrip(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	client.setStatus(StatusConnected)

	for i := 0; i < 10; i++ {
		client.recordOutcome(jetstream.ErrStreamNotFound)
	}
	assert.Equal(t, StatusConnected, client.Status())
	assert.Equal(t, int32(0), client.Failures())

	for i := 0; i < 5; i++ {
		client.recordOutcome(nats.ErrTimeout)
	}
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestIsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		status   ConnectionStatus
		expected bool
	}{
		{"connected is healthy", StatusConnected, true},
		{"disconnected is not healthy", StatusDisconnected, false},
		{"connecting is not healthy", StatusConnecting, false},
		{"reconnecting is not healthy", StatusReconnecting, false},
		{"circuit open is not healthy", StatusCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient("nats://localhost:4222")
			require.NoError(t, err)
			client.setStatus(tt.status)
			assert.Equal(t, tt.expected, client.IsHealthy())
		})
	}
}

func TestConcurrentSafety(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, fn := range []func(){
		func() { client.setStatus(StatusConnecting) },
		func() { client.setStatus(StatusConnected) },
		func() { _ = client.Status() },
		client.recordFailure,
		client.resetCircuit,
	} {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				fn()
			}
		}(fn)
	}
	wg.Wait()

	assert.Contains(t, []ConnectionStatus{
		StatusDisconnected,
		StatusConnecting,
		StatusConnected,
		StatusReconnecting,
		StatusCircuitOpen,
	}, client.Status())
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out when not connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("returns when becomes connected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			client.setStatus(StatusConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, client.WaitForConnection(ctx))
	})
}

func TestOperationsWhenNotConnected(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, objerrors.IsTransient(err))

	assert.ErrorIs(t, client.Publish(ctx, "a.b", []byte("x")), ErrNotConnected)

	_, err = client.Subscribe(ctx, "a.b", func(context.Context, *nats.Msg) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Request(ctx, "a.b", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.CreateStream(ctx, jetstream.StreamConfig{Name: "OBJ_x"})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.GetStream(ctx, "OBJ_x")
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, client.DeleteStream(ctx, "OBJ_x"), ErrNotConnected)

	_, err = client.PublishMsgToStream(ctx, nats.NewMsg("a.b"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, objerrors.IsTransient(err))

	assert.NoError(t, client.Close(ctx))
	assert.NoError(t, client.Close(ctx))
}

func TestOperationsWhenCircuitOpen(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	client.setStatus(StatusCircuitOpen)

	_, err = client.GetStream(context.Background(), "OBJ_x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrCircuitOpen)
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(10),
		WithReconnectWait(5*time.Second),
		WithCredentials("user", "pass"),
		WithName("objstore"),
		WithToken("secret"),
	)
	require.NoError(t, err)

	// 9 base options plus credentials, name and token
	assert.Len(t, client.ConnectionOptions(), 12)
}

func TestFailureCount(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		client.recordFailure()
	}
	assert.Equal(t, int32(3), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
}

func TestSlogLogger(t *testing.T) {
	logger := SlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NotPanics(t, func() {
		logger.Printf("connected to %s", "nats://x")
		logger.Errorf("boom %d", 1)
		logger.Debugf("debug")
	})
	assert.NotNil(t, SlogLogger(nil))
}
