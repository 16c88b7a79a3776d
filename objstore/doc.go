// Package objstore stores objects larger than a single stream message by splitting
// them into chunks on an append-only stream.
//
// # Layout
//
// A bucket named "configs" lives in the stream OBJ_configs. Every object revision
// writes its chunks to its own subject and then appends one JSON metadata record:
//
//	$O.configs.C.<nuid>                 chunk bodies, in ordinal order
//	$O.configs.M.<base64url(name)>      ObjectInfo records, last one wins
//
// The metadata record is the commit point. A reader never sees a revision whose
// chunks are not all written, and a put that fails part way leaves the previous
// revision visible. Deletes append a tombstone record; the name keeps its revision
// history so the next put continues numbering from the tombstone.
//
// Each chunk carries two headers: Objstore-Ordinal (zero-based position) and
// Objstore-Checksum (xxhash64). Get verifies chunks as they stream into the caller's
// writer, then checks count, size and the SHA-256 digest.
//
// # Usage
//
//	transport := stream.NewJetStream(client)
//	mgr := objstore.NewManager(transport, objstore.WithLogger(logger))
//
//	store, err := mgr.CreateBucket(ctx, objstore.BucketConfig{Name: "configs"})
//	if err != nil {
//	    return err
//	}
//
//	info, err := store.Put(ctx, objstore.ObjectMeta{Name: "a"}, file)
//	data, err := store.GetBytes(ctx, "a")
//
//	w, err := store.Watch(ctx, objstore.IncludeHistory())
//	for info := range w.Updates() {
//	    if info == nil {
//	        continue // end of history
//	    }
//	}
//
// # Reclaiming space
//
// Superseded and deleted revisions keep their chunks until the stream's limits evict
// them, unless the store is opened WithReclaimSuperseded, which purges them once the
// newer metadata record is committed.
//
// # Service
//
// Service answers JSON requests on objstore.<bucket>.api and publishes an Event on
// objstore.<bucket>.events for every metadata change.
package objstore
