package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/pkg/retry"
	"github.com/c360/objstore/stream"
)

// directory is the bucket's metadata log: one subject per object name, the last record
// on a subject is the object's current state.
type directory struct {
	transport stream.Transport
	bucket    string
	stream    string
	retry     retry.Config
	logger    *slog.Logger
}

// putMeta appends a metadata record and returns its stream sequence
func (d *directory) putMeta(ctx context.Context, info *ObjectInfo) (uint64, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Directory", "putMeta", "encode object info")
	}

	seq, err := d.transport.Publish(ctx, metaSubject(d.bucket, info.Name), data, nil)
	if err != nil {
		return 0, errors.WrapClassified(bucketError(err), "Directory", "putMeta", "publish metadata")
	}
	return seq, nil
}

// getLatest returns the newest record for name. Tombstones are ErrObjectNotFound unless
// includeDeleted is set.
func (d *directory) getLatest(ctx context.Context, name string, includeDeleted bool) (*ObjectInfo, error) {
	msg, err := retry.DoWithResult(ctx, d.retry, func() (*stream.Msg, error) {
		return d.transport.LastMsg(ctx, d.stream, metaSubject(d.bucket, name))
	})
	if err != nil {
		if errors.Is(err, stream.ErrMsgNotFound) {
			return nil, errors.WrapInvalid(errors.ErrObjectNotFound, "Directory", "getLatest", "lookup "+name)
		}
		return nil, errors.WrapClassified(bucketError(err), "Directory", "getLatest", "read metadata")
	}

	info, err := decodeInfo(msg)
	if err != nil {
		return nil, errors.WrapFatal(&badMetaError{seq: msg.Sequence, err: err},
			"Directory", "getLatest", "decode metadata for "+name)
	}
	if info.Deleted && !includeDeleted {
		return nil, errors.WrapInvalid(errors.ErrObjectNotFound, "Directory", "getLatest", "lookup "+name)
	}
	return info, nil
}

// list returns the current non-deleted objects sorted by name
func (d *directory) list(ctx context.Context) ([]*ObjectInfo, error) {
	info, err := retry.DoWithResult(ctx, d.retry, func() (*stream.Info, error) {
		return d.transport.StreamInfo(ctx, d.stream, metaFilter(d.bucket))
	})
	if err != nil {
		return nil, errors.WrapClassified(bucketError(err), "Directory", "list", "read stream info")
	}
	if info.State.Msgs == 0 {
		return []*ObjectInfo{}, nil
	}

	sub, err := d.transport.Subscribe(ctx, d.stream, stream.SubscribeOptions{
		Filter:  metaFilter(d.bucket),
		Deliver: stream.DeliverLastPerSubject,
	})
	if err != nil {
		return nil, errors.WrapClassified(bucketError(err), "Directory", "list", "subscribe to metadata")
	}
	defer sub.Stop()

	objects := make([]*ObjectInfo, 0, info.State.Msgs)
	for {
		select {
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "Directory", "list", "read metadata")
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil, errors.WrapClassified(subscriptionEnded(ctx, sub), "Directory", "list", "read metadata")
			}
			if oi, err := decodeInfo(msg); err != nil {
				d.logger.Warn("Skipping undecodable metadata record",
					"bucket", d.bucket, "subject", msg.Subject, "error", err)
			} else if !oi.Deleted {
				objects = append(objects, oi)
			}
			if msg.NumPending == 0 {
				sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
				return objects, nil
			}
		}
	}
}

// badMetaError is an undecodable metadata record at stream sequence seq
type badMetaError struct {
	seq uint64
	err error
}

func (e *badMetaError) Error() string {
	return fmt.Sprintf("%v: metadata record %d: %v", errors.ErrObjectCorrupted, e.seq, e.err)
}

func (e *badMetaError) Unwrap() []error { return []error{errors.ErrObjectCorrupted, e.err} }

func decodeInfo(msg *stream.Msg) (*ObjectInfo, error) {
	var info ObjectInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrInvalidData, err)
	}
	info.Sequence = msg.Sequence
	if info.ModTime.IsZero() {
		info.ModTime = msg.Time
	}
	return &info, nil
}

// bucketError turns a missing backing stream into ErrBucketNotFound, keeping the
// transport error in the chain
func bucketError(err error) error {
	if errors.Is(err, stream.ErrStreamNotFound) || errors.Is(err, stream.ErrNoStream) {
		return fmt.Errorf("%w: %w", errors.ErrBucketNotFound, err)
	}
	return err
}

// subscriptionEnded explains a subscription channel that closed early
func subscriptionEnded(ctx context.Context, sub stream.Subscription) error {
	if err := sub.Err(); err != nil {
		return bucketError(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("subscription closed: %w", errors.ErrTransportUnavailable)
}
