//go:build integration

package stream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/objstore/natsclient"
)

func newJetStreamTransport(t *testing.T) *JetStream {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	tc := natsclient.NewTestClient(t, natsclient.WithIntegrationDefaults())
	return NewJetStream(tc.Client)
}

func TestIntegration_JetStreamTransport(t *testing.T) {
	js := newJetStreamTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := js.CreateStream(ctx, Config{Name: "T1", Subjects: []string{"t1.>"}})
	require.NoError(t, err)

	_, err = js.StreamInfo(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	seq1, err := js.Publish(ctx, "t1.a", []byte("one"), Header{"Objstore-Ordinal": "0"})
	require.NoError(t, err)
	seq2, err := js.Publish(ctx, "t1.a", []byte("two"), nil)
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	last, err := js.LastMsg(ctx, "T1", "t1.a")
	require.NoError(t, err)
	assert.Equal(t, "two", string(last.Data))

	_, err = js.LastMsg(ctx, "T1", "t1.none")
	assert.ErrorIs(t, err, ErrMsgNotFound)

	info, err := js.StreamInfo(ctx, "T1", "t1.a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	sub, err := js.Subscribe(ctx, "T1", SubscribeOptions{Filter: "t1.a", Deliver: DeliverAll})
	require.NoError(t, err)
	first := receive(t, sub)
	assert.Equal(t, "one", string(first.Data))
	assert.Equal(t, "0", first.Header["Objstore-Ordinal"])
	second := receive(t, sub)
	assert.Equal(t, uint64(0), second.NumPending)
	require.NoError(t, sub.Stop())

	require.NoError(t, js.Purge(ctx, "T1", "t1.a"))
	info, err = js.StreamInfo(ctx, "T1", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.State.Msgs)

	_, err = js.Publish(ctx, "nostream.x", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrNoStream)

	require.NoError(t, js.DeleteStream(ctx, "T1"))
	assert.ErrorIs(t, js.DeleteStream(ctx, "T1"), ErrStreamNotFound)
}
