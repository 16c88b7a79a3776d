package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	bolt "go.etcd.io/bbolt"

	"github.com/c360/objstore/errors"
)

// DefaultMaxPayload matches the default NATS server max_payload
const DefaultMaxPayload = 1024 * 1024

// Local is an embedded Transport. Streams live in memory and, when a bolt file is
// configured, file-storage streams are persisted and reloaded on open.
type Local struct {
	mu      sync.Mutex
	streams map[string]*localStream
	db      *bolt.DB
	closed  bool

	maxPayload int
	now        func() time.Time
	logger     *slog.Logger
	boltPath   string
}

type localStream struct {
	cfg     Config
	created time.Time
	msgs    []*storedMsg
	lastSeq uint64
	bytes   uint64
	subs    map[*localSub]struct{}
}

type storedMsg struct {
	Subject string    `json:"subject"`
	Seq     uint64    `json:"seq"`
	Data    []byte    `json:"data"`
	Header  Header    `json:"header,omitempty"`
	Time    time.Time `json:"time"`
}

func (m *storedMsg) size() uint64 {
	n := len(m.Subject) + len(m.Data)
	for k, v := range m.Header {
		n += len(k) + len(v)
	}
	return uint64(n)
}

func (m *storedMsg) toMsg() *Msg {
	return &Msg{
		Subject:  m.Subject,
		Sequence: m.Seq,
		Data:     m.Data,
		Header:   m.Header,
		Time:     m.Time,
	}
}

type localSub struct {
	*queueSub
	filter string
}

// LocalOption configures a Local transport
type LocalOption func(*Local) error

// WithBoltFile persists file-storage streams in a bbolt database at path
func WithBoltFile(path string) LocalOption {
	return func(l *Local) error {
		if path == "" {
			return fmt.Errorf("%w: bolt file path required", ErrInvalidConfig)
		}
		l.boltPath = path
		return nil
	}
}

// WithMaxPayload sets the largest accepted message body
func WithMaxPayload(n int) LocalOption {
	return func(l *Local) error {
		if n <= 0 {
			return fmt.Errorf("%w: max payload must be positive", ErrInvalidConfig)
		}
		l.maxPayload = n
		return nil
	}
}

// WithClock replaces the time source used for timestamps and MaxAge expiry
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) error {
		l.now = now
		return nil
	}
}

// WithLocalLogger sets the logger
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) error {
		if logger != nil {
			l.logger = logger
		}
		return nil
	}
}

// NewLocal creates an embedded transport
func NewLocal(opts ...LocalOption) (*Local, error) {
	l := &Local{
		streams:    make(map[string]*localStream),
		maxPayload: DefaultMaxPayload,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}

	if l.boltPath != "" {
		db, err := bolt.Open(l.boltPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, errors.WrapFatal(err, "Local", "NewLocal", "open bolt file")
		}
		l.db = db
		if err := l.load(); err != nil {
			_ = db.Close()
			return nil, errors.WrapFatal(err, "Local", "NewLocal", "load streams")
		}
		l.logger.Debug("Loaded persisted streams", "path", l.boltPath, "streams", len(l.streams))
	}
	return l, nil
}

// Close ends every subscription and releases the bolt file
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var subs []*localSub
	for _, st := range l.streams {
		for sub := range st.subs {
			subs = append(subs, sub)
		}
	}
	db := l.db
	l.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(ErrClosed)
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

// CreateStream implements Transport. Creating a stream that exists with an identical
// configuration returns its info.
func (l *Local) CreateStream(_ context.Context, cfg Config) (*Info, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	if st, ok := l.streams[cfg.Name]; ok {
		if !cmp.Equal(st.cfg, cfg, cmpopts.EquateEmpty()) {
			return nil, ErrStreamExists
		}
		return l.info(st, ""), nil
	}

	for name, st := range l.streams {
		for _, existing := range st.cfg.Subjects {
			for _, s := range cfg.Subjects {
				if SubjectsOverlap(existing, s) {
					return nil, fmt.Errorf("%w: subject %q overlaps stream %s", ErrInvalidConfig, s, name)
				}
			}
		}
	}

	st := &localStream{
		cfg:     cfg,
		created: l.now().UTC(),
		subs:    make(map[*localSub]struct{}),
	}
	if err := l.persistStream(st); err != nil {
		return nil, err
	}
	l.streams[cfg.Name] = st
	return l.info(st, ""), nil
}

// StreamInfo implements Transport
func (l *Local) StreamInfo(_ context.Context, name, subjectFilter string) (*Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stream(name)
	if err != nil {
		return nil, err
	}
	l.expire(st)
	return l.info(st, subjectFilter), nil
}

// DeleteStream implements Transport
func (l *Local) DeleteStream(_ context.Context, name string) error {
	l.mu.Lock()
	st, err := l.stream(name)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if l.db != nil && st.cfg.Storage == FileStorage {
		err := l.db.Update(func(tx *bolt.Tx) error {
			root := tx.Bucket(bucketStreams)
			if root == nil || root.Bucket([]byte(name)) == nil {
				return nil
			}
			return root.DeleteBucket([]byte(name))
		})
		if err != nil {
			l.mu.Unlock()
			return errors.WrapFatal(err, "Local", "DeleteStream", "delete persisted stream")
		}
	}
	delete(l.streams, name)
	subs := make([]*localSub, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(ErrStreamNotFound)
	}
	return nil
}

// Publish implements Transport
func (l *Local) Publish(ctx context.Context, subject string, data []byte, hdr Header) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", errors.ErrTransportTimeout, err)
	}
	if !ValidSubject(subject, false) {
		return 0, fmt.Errorf("%w: invalid publish subject %q", ErrInvalidConfig, subject)
	}
	if len(data) > l.maxPayload {
		return 0, ErrMaxPayload
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	st := l.streamFor(subject)
	if st == nil {
		return 0, ErrNoStream
	}
	if st.cfg.MaxMsgSize > 0 && len(data) > int(st.cfg.MaxMsgSize) {
		return 0, ErrMaxPayload
	}
	l.expire(st)

	msg := &storedMsg{
		Subject: subject,
		Seq:     st.lastSeq + 1,
		Data:    append([]byte(nil), data...),
		Header:  copyHeader(hdr),
		Time:    l.now().UTC(),
	}

	evict := l.evictions(st, msg.size())
	if evict < 0 {
		return 0, ErrStreamFull
	}

	if err := l.persistAppend(st, msg, st.msgs[:evict]); err != nil {
		return 0, err
	}
	for _, old := range st.msgs[:evict] {
		st.bytes -= old.size()
	}
	st.msgs = append(st.msgs[evict:], msg)
	st.bytes += msg.size()
	st.lastSeq = msg.Seq

	for sub := range st.subs {
		if SubjectMatches(sub.filter, subject) {
			sub.push(msg.toMsg())
		}
	}
	return msg.Seq, nil
}

// LastMsg implements Transport
func (l *Local) LastMsg(_ context.Context, name, subject string) (*Msg, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stream(name)
	if err != nil {
		return nil, err
	}
	l.expire(st)
	for i := len(st.msgs) - 1; i >= 0; i-- {
		if SubjectMatches(subject, st.msgs[i].Subject) {
			return st.msgs[i].toMsg(), nil
		}
	}
	return nil, ErrMsgNotFound
}

// Subscribe implements Transport. The replay snapshot and the registration for live
// messages happen under one lock, so nothing is missed or delivered twice.
func (l *Local) Subscribe(ctx context.Context, name string, opts SubscribeOptions) (Subscription, error) {
	filter := opts.Filter
	if filter == "" {
		filter = ">"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stream(name)
	if err != nil {
		return nil, err
	}
	l.expire(st)

	var replay []*Msg
	switch opts.Deliver {
	case DeliverAll:
		for _, m := range st.msgs {
			if SubjectMatches(filter, m.Subject) {
				replay = append(replay, m.toMsg())
			}
		}
	case DeliverLastPerSubject:
		last := make(map[string]*storedMsg)
		for _, m := range st.msgs {
			if SubjectMatches(filter, m.Subject) {
				last[m.Subject] = m
			}
		}
		for _, m := range last {
			replay = append(replay, m.toMsg())
		}
		sort.Slice(replay, func(i, j int) bool { return replay[i].Sequence < replay[j].Sequence })
	}
	for i, m := range replay {
		m.NumPending = uint64(len(replay) - i - 1)
	}

	sub := &localSub{filter: filter}
	sub.queueSub = newQueueSub(ctx, func() {
		l.mu.Lock()
		delete(st.subs, sub)
		l.mu.Unlock()
	})
	if len(replay) > 0 {
		sub.push(replay...)
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// Purge implements Transport. The subject may be a wildcard filter; empty purges all.
func (l *Local) Purge(_ context.Context, name, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stream(name)
	if err != nil {
		return err
	}
	if subject == "" {
		subject = ">"
	}

	kept := st.msgs[:0:0]
	var removed []*storedMsg
	for _, m := range st.msgs {
		if SubjectMatches(subject, m.Subject) {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	if len(removed) == 0 {
		return nil
	}
	if err := l.persistRemove(st, removed); err != nil {
		return err
	}
	for _, m := range removed {
		st.bytes -= m.size()
	}
	st.msgs = kept
	return nil
}

func (l *Local) stream(name string) (*localStream, error) {
	if l.closed {
		return nil, ErrClosed
	}
	st, ok := l.streams[name]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

func (l *Local) streamFor(subject string) *localStream {
	for _, st := range l.streams {
		for _, s := range st.cfg.Subjects {
			if SubjectMatches(s, subject) {
				return st
			}
		}
	}
	return nil
}

// evictions returns how many leading messages must go to admit a message of size n,
// or -1 when the stream discards new messages and is full.
func (l *Local) evictions(st *localStream, n uint64) int {
	msgs := uint64(len(st.msgs)) + 1
	bytes := st.bytes + n
	over := func(evicted int) bool {
		if st.cfg.MaxMsgs > 0 && msgs-uint64(evicted) > uint64(st.cfg.MaxMsgs) {
			return true
		}
		return st.cfg.MaxBytes > 0 && bytes > uint64(st.cfg.MaxBytes)
	}

	if !over(0) {
		return 0
	}
	if st.cfg.Discard == DiscardNew {
		return -1
	}
	evict := 0
	for evict < len(st.msgs) && over(evict) {
		bytes -= st.msgs[evict].size()
		evict++
	}
	return evict
}

// expire drops messages older than MaxAge. Persistence failures are logged; the
// expired messages are dropped again after the next load.
func (l *Local) expire(st *localStream) {
	if st.cfg.MaxAge <= 0 || len(st.msgs) == 0 {
		return
	}
	cutoff := l.now().Add(-st.cfg.MaxAge)
	n := 0
	for n < len(st.msgs) && st.msgs[n].Time.Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	if err := l.persistRemove(st, st.msgs[:n]); err != nil {
		l.logger.Warn("Failed to persist expiry", "stream", st.cfg.Name, "error", err)
	}
	for _, m := range st.msgs[:n] {
		st.bytes -= m.size()
	}
	st.msgs = st.msgs[n:]
}

func (l *Local) info(st *localStream, filter string) *Info {
	info := &Info{Config: st.cfg, Created: st.created}
	info.State.LastSeq = st.lastSeq
	info.State.Bytes = st.bytes
	if len(st.msgs) > 0 {
		info.State.FirstSeq = st.msgs[0].Seq
	} else {
		info.State.FirstSeq = st.lastSeq + 1
	}
	if filter == "" {
		info.State.Msgs = uint64(len(st.msgs))
		return info
	}
	for _, m := range st.msgs {
		if SubjectMatches(filter, m.Subject) {
			info.State.Msgs++
		}
	}
	return info
}

func copyHeader(h Header) Header {
	if len(h) == 0 {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
