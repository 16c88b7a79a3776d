package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/c360/objstore/natsclient"
	"github.com/c360/objstore/objstore"
	"github.com/c360/objstore/stream"
)

// demoPayloadSize is larger than any single stream message the server accepts
const demoPayloadSize = 10_000_000

// runDemo walks through the bucket API: status, puts, metadata update, list, get, watch,
// delete, buffered put and get, and finally bucket deletion
func runDemo(ctx context.Context, w io.Writer, mgr *objstore.Manager, store *objstore.Store, client *natsclient.Client) error {
	bucket := store.Name()
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintf(w, format+"\n", args...)
	}

	status, err := store.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	printf("the object store has %d bytes", status.TotalBytes)

	data := make([]byte, demoPayloadSize)

	info, err := store.PutBytes(ctx, "a", data)
	if err != nil {
		return fmt.Errorf("put a: %w", err)
	}
	printf("added entry %s (%d bytes)", info.Name, info.Size)

	info, err = store.Put(ctx, objstore.ObjectMeta{Name: "b", Description: "large data"}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("put b: %w", err)
	}
	printf("added entry %s (%d bytes) %q", info.Name, info.Size, info.Description)

	meta := info.ObjectMeta
	meta.Description = "still large data"
	if _, err := store.UpdateMeta(ctx, "b", meta); err != nil {
		return fmt.Errorf("update b: %w", err)
	}

	entries, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	printf("the object store contains %d entries", len(entries))

	got, err := store.GetBytes(ctx, "b")
	if err != nil {
		return fmt.Errorf("get b: %w", err)
	}
	printf("data has %d bytes", len(got))

	maxPayload := int64(stream.DefaultMaxPayload)
	if client != nil {
		maxPayload = client.GetConnection().MaxPayload()
	}
	printf("client has a max payload of %d bytes", maxPayload)

	watcher, err := store.Watch(ctx, objstore.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range watcher.Updates() {
			if e == nil {
				continue
			}
			updateType := "updated"
			if e.Deleted {
				updateType = "deleted"
			}
			printf("%s changed - %s was %s", bucket, e.Name, updateType)
		}
	}()

	if err := store.Delete(ctx, "a"); err != nil {
		return fmt.Errorf("delete a: %w", err)
	}

	info, err = store.Put(ctx, objstore.ObjectMeta{Name: "c", Description: "set with a buffer"}, bytes.NewReader(got))
	if err != nil {
		return fmt.Errorf("put c: %w", err)
	}
	printf("added entry %s (%d bytes)- %q", info.Name, info.Size, info.Description)

	var buf bytes.Buffer
	result, err := store.Get(ctx, "c", &buf)
	if err != nil {
		return fmt.Errorf("get c: %w", err)
	}
	printf("%s has %d bytes", result.Name, result.Size)

	chunk := make([]byte, objstore.DefaultChunkSize)
	for {
		n, err := buf.Read(chunk)
		if n > 0 {
			printf("read %d bytes", n)
		}
		if err == io.EOF {
			break
		}
	}

	if err := mgr.DeleteBucket(ctx, bucket); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	printf("deleted object store")

	// Deleting the bucket ends the watch
	_ = watcher.Stop()
	wg.Wait()
	return nil
}
