//go:build integration

package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/natsclient"
	"github.com/c360/objstore/stream"
)

func newIntegrationClient(t *testing.T) *natsclient.Client {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	return natsclient.NewTestClient(t, natsclient.WithIntegrationDefaults()).Client
}

func TestIntegration_StoreOnJetStream(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	mgr := NewManager(stream.NewJetStream(client))
	store, err := mgr.CreateBucket(ctx, BucketConfig{Name: "integration", Storage: stream.MemoryStorage})
	require.NoError(t, err)

	payload := randomPayload(t, 10_000_000)
	info, err := store.Put(ctx, ObjectMeta{Name: "blob"}, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, uint32(77), info.Chunks)

	got, err := store.GetBytes(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	empty, err := store.PutBytes(ctx, "empty", nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), empty.Chunks)

	_, err = store.UpdateMeta(ctx, "blob", ObjectMeta{Description: "ten megabytes"})
	require.NoError(t, err)
	meta, err := store.GetInfo(ctx, "blob")
	require.NoError(t, err)
	assert.Equal(t, info.Revision+1, meta.Revision)
	assert.Equal(t, info.Digest, meta.Digest)

	require.NoError(t, store.Delete(ctx, "empty"))
	_, err = store.PutString(ctx, "empty", "again")
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "blob", list[0].Name)
	assert.Equal(t, "empty", list[1].Name)

	w, err := store.Watch(ctx, IncludeHistory())
	require.NoError(t, err)
	defer w.Stop()
	var seen int
	for u := range w.Updates() {
		if u == nil {
			break
		}
		seen++
	}
	assert.Equal(t, 5, seen)

	reopened, err := mgr.Bucket(ctx, "integration")
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, reopened.Config().ChunkSize)

	require.NoError(t, mgr.DeleteBucket(ctx, "integration"))
	_, err = mgr.Bucket(ctx, "integration")
	assert.ErrorIs(t, err, errors.ErrBucketNotFound)
}

func TestIntegration_ServiceRequestReply(t *testing.T) {
	client := newIntegrationClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr := NewManager(stream.NewJetStream(client))
	store, err := mgr.CreateBucket(ctx, BucketConfig{Name: "svc", Storage: stream.MemoryStorage})
	require.NoError(t, err)

	svc := NewService(store, client)
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop(5 * time.Second)

	call := func(req Request) Response {
		data, err := json.Marshal(req)
		require.NoError(t, err)
		msg, err := client.Request(ctx, "objstore.svc.api", data)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(msg.Data, &resp))
		return resp
	}

	resp := call(Request{Action: "put", Key: "a", Data: []byte("payload")})
	require.True(t, resp.Success, resp.Error)

	resp = call(Request{Action: "get", Key: "a"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []byte("payload"), resp.Data)

	resp = call(Request{Action: "get", Key: "missing"})
	assert.False(t, resp.Success)
	assert.Equal(t, errors.ErrorInvalid.String(), resp.ErrorClass)
}
