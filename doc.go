// Package objstore is a chunked object store layered on an append-only message stream.
//
// Objects of any size are split into fixed-size chunks and written to a per-bucket
// stream, followed by a single metadata record that makes the new revision visible.
// The latest metadata record for a name is the authoritative state of that object, so
// an interrupted put never replaces the previous revision.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          cmd/objstore               │  Flags, config, demo,
//	│   (serve, demo, validate)           │  metrics endpoint
//	└─────────────────────────────────────┘
//	           ↓ creates
//	┌─────────────────────────────────────┐
//	│      objstore.Manager / Store       │  Buckets, put/get,
//	│      objstore.Service               │  watch, request/reply
//	└─────────────────────────────────────┘
//	           ↓ appends to
//	┌─────────────────────────────────────┐
//	│         stream.Transport            │  JetStream or the
//	│   (JetStream, Local + bbolt)        │  in-process Local
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - objstore: bucket lifecycle, object operations, watchers, the NATS API service
//   - stream: the append-only stream abstraction with JetStream and local backends
//   - natsclient: NATS connection management and the testcontainers test harness
//   - config: layered JSON/YAML configuration with schema validation
//   - metric: Prometheus registry and HTTP endpoint
//   - errors: classified errors (transient, invalid, fatal) and retry configuration
//   - pkg/retry: exponential backoff
//
// # Usage
//
//	client, _ := natsclient.NewClient("nats://localhost:4222")
//	_ = client.Connect(ctx)
//
//	mgr := objstore.NewManager(stream.NewJetStream(client))
//	store, _ := mgr.CreateBucket(ctx, objstore.BucketConfig{Name: "configs"})
//
//	info, _ := store.PutBytes(ctx, "a", data)
//	got, _ := store.GetBytes(ctx, "a")
//
// # Binary
//
//	# Serve the configs bucket over NATS
//	./bin/objstore --nats=nats://localhost:4222 --bucket=configs
//
//	# Walk through the API against the in-process transport
//	./bin/objstore --transport=local --mode=demo --log-format=text
package objstore
