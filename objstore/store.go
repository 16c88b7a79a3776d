package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/pkg/retry"
	"github.com/c360/objstore/stream"
)

const (
	// cleanupTimeout bounds best-effort purges that run after the caller's context ended
	cleanupTimeout = 5 * time.Second

	// chunkStallCheck is how long a read waits for the next chunk before recounting
	// the revision's stored chunks
	chunkStallCheck = 250 * time.Millisecond
)

// Store is one bucket. It holds no object state of its own: every call reads or
// appends to the bucket's stream, so any number of Store values may share a bucket.
type Store struct {
	cfg       BucketConfig
	stream    string
	transport stream.Transport
	dir       *directory
	opts      storeOptions
	metrics   *storeMetrics
	logger    *slog.Logger
	now       func() time.Time
}

func newStore(t stream.Transport, cfg BucketConfig, opts storeOptions, metrics *storeMetrics, logger *slog.Logger) *Store {
	logger = logger.With("bucket", cfg.Name)
	return &Store{
		cfg:       cfg,
		stream:    streamName(cfg.Name),
		transport: t,
		dir: &directory{
			transport: t,
			bucket:    cfg.Name,
			stream:    streamName(cfg.Name),
			retry:     opts.retry,
			logger:    logger,
		},
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Name returns the bucket name
func (s *Store) Name() string { return s.cfg.Name }

// Config returns the bucket configuration as read when the store was opened
func (s *Store) Config() BucketConfig { return s.cfg }

// Put stores the contents of r under meta.Name as a new revision. Chunks are
// published first and the metadata record last; until that record is appended the
// previous revision stays visible. On failure the partial chunks are purged.
func (s *Store) Put(ctx context.Context, meta ObjectMeta, r io.Reader) (info *ObjectInfo, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("put", start, err) }()

	if err := validateObjectName(meta.Name); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Put", "validate metadata")
	}
	if meta.ChunkSize < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: negative chunk size", errors.ErrBadObjectMeta), "Store", "Put", "validate metadata")
	}

	prev, err := s.dir.getLatest(ctx, meta.Name, true)
	var badMeta *badMetaError
	switch {
	case err == nil, errors.Is(err, errors.ErrObjectNotFound):
	case errors.As(err, &badMeta):
		// No revision can exceed the stream sequence of its record
		s.logger.Warn("Replacing undecodable metadata record",
			"name", meta.Name, "sequence", badMeta.seq, "error", err)
		prev = &ObjectInfo{Revision: badMeta.seq, Deleted: true}
	default:
		return nil, errors.WrapClassified(err, "Store", "Put", "read current revision")
	}

	chunkSize := meta.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.cfg.ChunkSize
	}
	chunker, err := NewChunker(r, chunkSize)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Put", "create chunker")
	}

	nuid := uuid.NewString()
	subject := chunkSubject(s.cfg.Name, nuid)
	for {
		chunk, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.purgeChunks(ctx, nuid)
			return nil, errors.WrapTransient(err, "Store", "Put", "read payload")
		}

		if s.opts.limiter != nil {
			if err := s.opts.limiter.Wait(ctx); err != nil {
				s.purgeChunks(ctx, nuid)
				return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrRateLimited, err), "Store", "Put", "wait for chunk rate")
			}
		}

		hdr := stream.Header{
			HeaderOrdinal:  strconv.Itoa(chunk.Ordinal),
			HeaderChecksum: Checksum(chunk.Data),
		}
		if _, err := s.transport.Publish(ctx, subject, chunk.Data, hdr); err != nil {
			s.purgeChunks(ctx, nuid)
			return nil, errors.WrapClassified(bucketError(err), "Store", "Put",
				fmt.Sprintf("publish chunk %d", chunk.Ordinal))
		}
	}

	info = &ObjectInfo{
		ObjectMeta: meta,
		Bucket:     s.cfg.Name,
		NUID:       nuid,
		Size:       chunker.Size(),
		ModTime:    s.now().UTC(),
		Chunks:     uint32(chunker.Count()),
		Digest:     chunker.Digest(),
		Revision:   1,
	}
	if prev != nil {
		info.Revision = prev.Revision + 1
	}

	seq, err := s.dir.putMeta(ctx, info)
	if err != nil {
		s.purgeChunks(ctx, nuid)
		return nil, errors.WrapClassified(err, "Store", "Put", "commit metadata")
	}
	info.Sequence = seq
	s.metrics.recordWrite(info.Size, int(info.Chunks))

	if s.opts.reclaim && prev != nil && !prev.Deleted && prev.NUID != "" {
		s.purgeChunks(ctx, prev.NUID)
	}

	s.logger.Debug("Stored object",
		"name", info.Name, "revision", info.Revision, "size", info.Size, "chunks", info.Chunks)
	return info, nil
}

// PutBytes stores data under name
func (s *Store) PutBytes(ctx context.Context, name string, data []byte) (*ObjectInfo, error) {
	return s.Put(ctx, ObjectMeta{Name: name}, bytes.NewReader(data))
}

// PutString stores data under name
func (s *Store) PutString(ctx context.Context, name, data string) (*ObjectInfo, error) {
	return s.Put(ctx, ObjectMeta{Name: name}, strings.NewReader(data))
}

// PutFile stores the file at path under name, or under path when name is empty
func (s *Store) PutFile(ctx context.Context, name, path string) (*ObjectInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "PutFile", "open "+path)
	}
	defer f.Close()

	if name == "" {
		name = path
	}
	return s.Put(ctx, ObjectMeta{Name: name}, f)
}

// Get writes the current revision of name to w. The chunks are verified as they
// arrive; on corruption w may already hold part of the payload. If the revision is
// superseded and reclaimed after part of it was written, Get fails with
// ErrObjectModified.
func (s *Store) Get(ctx context.Context, name string, w io.Writer) (*ObjectInfo, error) {
	return s.get(ctx, name, w, nil)
}

// get reads the current revision of name into w. Chunks that vanish mid-read mean the
// revision was reclaimed by a newer write; get then starts over on the newer revision,
// using reset to discard partial output. Without reset it can only start over while
// nothing has been written.
func (s *Store) get(ctx context.Context, name string, w io.Writer, reset func() error) (info *ObjectInfo, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("get", start, err) }()

	if err := validateObjectName(name); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "Get", "validate name")
	}

	out := &countingWriter{w: w}
	for {
		info, err = s.dir.getLatest(ctx, name, false)
		if err != nil {
			return nil, errors.WrapClassified(err, "Store", "Get", "read metadata")
		}

		err = s.readChunks(ctx, info, out)
		if err == nil {
			s.metrics.recordRead(info.Size, int(info.Chunks))
			return info, nil
		}
		var short *chunkCountError
		if !errors.As(err, &short) {
			return nil, errors.WrapClassified(err, "Store", "Get", "read chunks of "+name)
		}

		current, lerr := s.dir.getLatest(ctx, name, true)
		if lerr != nil {
			return nil, errors.WrapClassified(lerr, "Store", "Get", "recheck metadata")
		}
		if current.Sequence == info.Sequence {
			return nil, errors.WrapClassified(err, "Store", "Get", "read chunks of "+name)
		}
		if out.n > 0 {
			if reset == nil {
				return nil, errors.WrapTransient(
					fmt.Errorf("%w: revision %d replaced by %d", errors.ErrObjectModified, info.Revision, current.Revision),
					"Store", "Get", "read chunks of "+name)
			}
			if err := reset(); err != nil {
				return nil, errors.WrapFatal(err, "Store", "Get", "discard partial output")
			}
			out.n = 0
		}
		s.logger.Debug("Revision replaced during read",
			"name", name, "revision", info.Revision, "current", current.Revision)
	}
}

func (s *Store) readChunks(ctx context.Context, info *ObjectInfo, w io.Writer) error {
	asm := NewAssembler(w, info)
	if info.Chunks == 0 {
		return asm.Finish()
	}

	subject := chunkSubject(s.cfg.Name, info.NUID)
	if err := s.checkChunks(ctx, subject, info.Chunks); err != nil {
		return err
	}

	sub, err := s.transport.Subscribe(ctx, s.stream, stream.SubscribeOptions{
		Filter:  subject,
		Deliver: stream.DeliverAll,
	})
	if err != nil {
		return bucketError(err)
	}
	defer sub.Stop()

	stall := time.NewTicker(chunkStallCheck)
	defer stall.Stop()

	for received := uint32(0); received < info.Chunks; {
		var msg *stream.Msg
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			if err := s.checkChunks(ctx, subject, info.Chunks); err != nil {
				return err
			}
		case m, ok := <-sub.Messages():
			if !ok {
				return subscriptionEnded(ctx, sub)
			}
			msg = m
		}
		if msg == nil {
			continue
		}
		stall.Reset(chunkStallCheck)

		ordinal, err := strconv.Atoi(msg.Header[HeaderOrdinal])
		if err != nil {
			return fmt.Errorf("%w: chunk without ordinal at sequence %d", errors.ErrObjectCorrupted, msg.Sequence)
		}
		if err := asm.Write(ordinal, msg.Data, msg.Header[HeaderChecksum]); err != nil {
			return err
		}
		received++
	}
	return asm.Finish()
}

// checkChunks compares the number of stored chunks of a revision with its metadata
func (s *Store) checkChunks(ctx context.Context, subject string, want uint32) error {
	si, err := retry.DoWithResult(ctx, s.opts.retry, func() (*stream.Info, error) {
		return s.transport.StreamInfo(ctx, s.stream, subject)
	})
	if err != nil {
		return bucketError(err)
	}
	if si.State.Msgs != uint64(want) {
		return &chunkCountError{stored: si.State.Msgs, expected: uint64(want)}
	}
	return nil
}

// GetBytes returns the current payload of name
func (s *Store) GetBytes(ctx context.Context, name string) ([]byte, error) {
	var buf bytes.Buffer
	reset := func() error {
		buf.Reset()
		return nil
	}
	if _, err := s.get(ctx, name, &buf, reset); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GetString returns the current payload of name as a string
func (s *Store) GetString(ctx context.Context, name string) (string, error) {
	data, err := s.GetBytes(ctx, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetFile writes the current payload of name to path. The file is only replaced once
// the payload has been verified.
func (s *Store) GetFile(ctx context.Context, name, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.WrapInvalid(err, "Store", "GetFile", "create temporary file")
	}
	tmpName := tmp.Name()

	reset := func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return tmp.Truncate(0)
	}
	if _, err := s.get(ctx, name, tmp, reset); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapFatal(err, "Store", "GetFile", "close temporary file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.WrapFatal(err, "Store", "GetFile", "rename into place")
	}
	return nil
}

// GetInfo returns the current metadata of name
func (s *Store) GetInfo(ctx context.Context, name string, opts ...GetInfoOption) (info *ObjectInfo, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("info", start, err) }()

	var o getInfoOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateObjectName(name); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "GetInfo", "validate name")
	}
	return s.dir.getLatest(ctx, name, o.includeDeleted)
}

// Delete appends a tombstone for name. Deleting an already deleted object appends
// another tombstone; only a name that never existed is ErrObjectNotFound.
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete", start, err) }()

	if err := validateObjectName(name); err != nil {
		return errors.WrapInvalid(err, "Store", "Delete", "validate name")
	}

	info, err := s.dir.getLatest(ctx, name, true)
	if err != nil {
		return errors.WrapClassified(err, "Store", "Delete", "read current revision")
	}
	wasDeleted := info.Deleted

	info.Deleted = true
	info.Size = 0
	info.Chunks = 0
	info.Digest = ""
	info.ModTime = s.now().UTC()
	info.Revision++

	if _, err := s.dir.putMeta(ctx, info); err != nil {
		return errors.WrapClassified(err, "Store", "Delete", "append tombstone")
	}

	if s.opts.reclaim && !wasDeleted && info.NUID != "" {
		s.purgeChunks(ctx, info.NUID)
	}
	s.logger.Debug("Deleted object", "name", name, "revision", info.Revision)
	return nil
}

// UpdateMeta replaces the description and headers of name without touching its
// payload and returns the new revision. Renaming is not supported.
func (s *Store) UpdateMeta(ctx context.Context, name string, meta ObjectMeta) (info *ObjectInfo, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("update_meta", start, err) }()

	if err := validateObjectName(name); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "UpdateMeta", "validate name")
	}
	if meta.Name != "" && meta.Name != name {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: rename from %q to %q", errors.ErrBadObjectMeta, name, meta.Name),
			"Store", "UpdateMeta", "validate metadata")
	}

	info, err = s.dir.getLatest(ctx, name, false)
	if err != nil {
		return nil, errors.WrapClassified(err, "Store", "UpdateMeta", "read current revision")
	}

	info.Description = meta.Description
	info.Headers = meta.Headers
	info.ModTime = s.now().UTC()
	info.Revision++

	seq, err := s.dir.putMeta(ctx, info)
	if err != nil {
		return nil, errors.WrapClassified(err, "Store", "UpdateMeta", "append metadata")
	}
	info.Sequence = seq
	return info, nil
}

// List returns every current, non-deleted object sorted by name
func (s *Store) List(ctx context.Context) (objects []*ObjectInfo, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("list", start, err) }()

	return s.dir.list(ctx)
}

// Watch follows metadata changes. See WatchOption for what is replayed first.
func (s *Store) Watch(ctx context.Context, opts ...WatchOption) (*Watcher, error) {
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return s.dir.watch(ctx, o)
}

// Status reports the bucket's configuration, its current objects and the raw stream
// counters
func (s *Store) Status(ctx context.Context) (status *BucketStatus, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("status", start, err) }()

	var (
		objects []*ObjectInfo
		info    *stream.Info
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		objects, err = s.dir.list(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		info, err = retry.DoWithResult(gctx, s.opts.retry, func() (*stream.Info, error) {
			return s.transport.StreamInfo(gctx, s.stream, "")
		})
		if err != nil {
			return errors.WrapClassified(bucketError(err), "Store", "Status", "read stream info")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cfg := bucketConfigFromStream(s.cfg.Name, info.Config)
	status = &BucketStatus{
		Bucket:      s.cfg.Name,
		Description: cfg.Description,
		ChunkSize:   cfg.ChunkSize,
		TTL:         cfg.TTL,
		Storage:     cfg.Storage,
		Replicas:    cfg.Replicas,
		StreamMsgs:  info.State.Msgs,
		StreamBytes: info.State.Bytes,
		Metadata:    cfg.Metadata,
	}
	for _, o := range objects {
		status.EntryCount++
		status.TotalBytes += o.Size
	}
	s.metrics.updateState(status.EntryCount, status.TotalBytes)
	return status, nil
}

// purgeChunks removes the chunks of one revision. Failures are logged; the orphaned
// chunks are unreachable and only cost space.
func (s *Store) purgeChunks(ctx context.Context, nuid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := s.transport.Purge(ctx, s.stream, chunkSubject(s.cfg.Name, nuid)); err != nil {
		s.logger.Warn("Failed to purge chunks", "nuid", nuid, "error", err)
	}
}

// chunkCountError reports a revision whose stored chunk count differs from its
// metadata. It is corruption unless the revision has since been replaced.
type chunkCountError struct {
	stored, expected uint64
}

func (e *chunkCountError) Error() string {
	return fmt.Sprintf("%v: %d chunk messages stored, expected %d", errors.ErrObjectCorrupted, e.stored, e.expected)
}

func (e *chunkCountError) Unwrap() error { return errors.ErrObjectCorrupted }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
