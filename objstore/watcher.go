package objstore

import (
	"context"
	"sync"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/stream"
)

// Watcher delivers metadata changes of a bucket in log order. When history or initial
// values were requested, a single nil entry marks the end of the replay. The channel
// is closed when the watch ends; Err reports a transport failure, nil otherwise.
type Watcher struct {
	updates chan *ObjectInfo
	sub     stream.Subscription
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

// Updates returns the change channel
func (w *Watcher) Updates() <-chan *ObjectInfo {
	return w.updates
}

// Stop ends the watch and closes the channel
func (w *Watcher) Stop() error {
	w.cancel()
	return w.sub.Stop()
}

// Err reports why the watch ended
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// watch subscribes to the metadata subjects. The subscription is created before the
// stream is inspected so no record falls between replay and live delivery.
func (d *directory) watch(ctx context.Context, opts watchOptions) (*Watcher, error) {
	deliver := stream.DeliverNew
	switch {
	case opts.includeHistory:
		deliver = stream.DeliverAll
	case opts.initialValues:
		deliver = stream.DeliverLastPerSubject
	}
	replay := deliver != stream.DeliverNew

	ctx, cancel := context.WithCancel(ctx)
	sub, err := d.transport.Subscribe(ctx, d.stream, stream.SubscribeOptions{
		Filter:  metaFilter(d.bucket),
		Deliver: deliver,
	})
	if err != nil {
		cancel()
		return nil, errors.WrapClassified(bucketError(err), "Directory", "watch", "subscribe to metadata")
	}

	pendingReplay := false
	if replay {
		info, err := d.transport.StreamInfo(ctx, d.stream, metaFilter(d.bucket))
		if err != nil {
			cancel()
			_ = sub.Stop()
			return nil, errors.WrapClassified(bucketError(err), "Directory", "watch", "read stream info")
		}
		pendingReplay = info.State.Msgs > 0
	}

	w := &Watcher{
		updates: make(chan *ObjectInfo),
		sub:     sub,
		cancel:  cancel,
	}
	go w.run(ctx, d, replay, pendingReplay, opts.ignoreDeletes)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, d *directory, replay, pendingReplay, ignoreDeletes bool) {
	defer close(w.updates)
	defer w.cancel()

	send := func(info *ObjectInfo) bool {
		select {
		case w.updates <- info:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Nothing to replay: the marker goes out first
	replaying := replay && pendingReplay
	if replay && !pendingReplay && !send(nil) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.sub.Messages():
			if !ok {
				if err := w.sub.Err(); err != nil {
					w.fail(errors.WrapClassified(bucketError(err), "Watcher", "run", "receive metadata"))
				}
				return
			}

			info, err := decodeInfo(msg)
			if err != nil {
				d.logger.Warn("Skipping undecodable metadata record",
					"bucket", d.bucket, "subject", msg.Subject, "error", err)
			} else if !(ignoreDeletes && info.Deleted) {
				if !send(info) {
					return
				}
			}

			if replaying && msg.NumPending == 0 {
				replaying = false
				if !send(nil) {
					return
				}
			}
		}
	}
}
