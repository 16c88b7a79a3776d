package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/natsclient"
)

// JetStream is a Transport backed by a NATS JetStream server
type JetStream struct {
	client *natsclient.Client
	logger *slog.Logger
}

// JetStreamOption configures a JetStream transport
type JetStreamOption func(*JetStream)

// WithJetStreamLogger sets the logger
func WithJetStreamLogger(logger *slog.Logger) JetStreamOption {
	return func(j *JetStream) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// NewJetStream creates a transport over a connected client
func NewJetStream(client *natsclient.Client, opts ...JetStreamOption) *JetStream {
	j := &JetStream{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// CreateStream implements Transport
func (j *JetStream) CreateStream(ctx context.Context, cfg Config) (*Info, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s, err := j.client.CreateStream(ctx, toStreamConfig(cfg))
	if err != nil {
		return nil, mapError(err)
	}
	return fromStreamInfo(s.CachedInfo(), ""), nil
}

// StreamInfo implements Transport
func (j *JetStream) StreamInfo(ctx context.Context, name, subjectFilter string) (*Info, error) {
	s, err := j.client.GetStream(ctx, name)
	if err != nil {
		return nil, mapError(err)
	}

	var opts []jetstream.StreamInfoOpt
	if subjectFilter != "" {
		opts = append(opts, jetstream.WithSubjectFilter(subjectFilter))
	}
	si, err := s.Info(ctx, opts...)
	if err != nil {
		return nil, mapError(err)
	}
	return fromStreamInfo(si, subjectFilter), nil
}

// DeleteStream implements Transport
func (j *JetStream) DeleteStream(ctx context.Context, name string) error {
	return mapError(j.client.DeleteStream(ctx, name))
}

// Publish implements Transport
func (j *JetStream) Publish(ctx context.Context, subject string, data []byte, hdr Header) (uint64, error) {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}

	ack, err := j.client.PublishMsgToStream(ctx, msg)
	if err != nil {
		return 0, mapError(err)
	}
	return ack.Sequence, nil
}

// LastMsg implements Transport
func (j *JetStream) LastMsg(ctx context.Context, name, subject string) (*Msg, error) {
	s, err := j.client.GetStream(ctx, name)
	if err != nil {
		return nil, mapError(err)
	}

	raw, err := s.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		return nil, mapError(err)
	}
	return &Msg{
		Subject:  raw.Subject,
		Sequence: raw.Sequence,
		Data:     raw.Data,
		Header:   fromNATSHeader(raw.Header),
		Time:     raw.Time,
	}, nil
}

// Subscribe implements Transport using an ordered consumer
func (j *JetStream) Subscribe(ctx context.Context, name string, opts SubscribeOptions) (Subscription, error) {
	s, err := j.client.GetStream(ctx, name)
	if err != nil {
		return nil, mapError(err)
	}

	cfg := jetstream.OrderedConsumerConfig{DeliverPolicy: toDeliverPolicy(opts.Deliver)}
	if opts.Filter != "" {
		cfg.FilterSubjects = []string{opts.Filter}
	}
	cons, err := s.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}

	var (
		ccMu    sync.Mutex
		cc      jetstream.ConsumeContext
		stopped bool
	)
	sub := newQueueSub(ctx, func() {
		ccMu.Lock()
		defer ccMu.Unlock()
		stopped = true
		if cc != nil {
			cc.Stop()
		}
	})

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		meta, err := msg.Metadata()
		if err != nil {
			sub.terminate(errors.WrapInvalid(err, "JetStream", "Subscribe", "read message metadata"))
			return
		}
		sub.push(&Msg{
			Subject:    msg.Subject(),
			Sequence:   meta.Sequence.Stream,
			Data:       msg.Data(),
			Header:     fromNATSHeader(msg.Headers()),
			Time:       meta.Timestamp,
			NumPending: meta.NumPending,
		})
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if terminalConsumeError(err) {
			j.logger.Debug("Subscription ended", "stream", name, "error", err)
			sub.terminate(mapError(err))
			return
		}
		j.logger.Debug("Consumer error", "stream", name, "error", err)
	}))
	if err != nil {
		sub.terminate(nil)
		return nil, mapError(err)
	}

	ccMu.Lock()
	cc = consumeCtx
	if stopped {
		cc.Stop()
	}
	ccMu.Unlock()
	return sub, nil
}

// Purge implements Transport
func (j *JetStream) Purge(ctx context.Context, name, subject string) error {
	s, err := j.client.GetStream(ctx, name)
	if err != nil {
		return mapError(err)
	}

	var opts []jetstream.StreamPurgeOpt
	if subject != "" {
		opts = append(opts, jetstream.WithPurgeSubject(subject))
	}
	return mapError(s.Purge(ctx, opts...))
}

func terminalConsumeError(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrConsumerDeleted)
}

// mapError attaches the transport sentinels while keeping the NATS error in the chain
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		return fmt.Errorf("%w: %w", ErrStreamNotFound, err)
	case errors.Is(err, jetstream.ErrMsgNotFound):
		return fmt.Errorf("%w: %w", ErrMsgNotFound, err)
	case errors.Is(err, jetstream.ErrStreamNameAlreadyInUse):
		return fmt.Errorf("%w: %w", ErrStreamExists, err)
	case errors.Is(err, jetstream.ErrNoStreamResponse), errors.Is(err, nats.ErrNoResponders):
		return fmt.Errorf("%w: %w", ErrNoStream, err)
	case errors.Is(err, nats.ErrMaxPayload):
		return fmt.Errorf("%w: %w", ErrMaxPayload, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return fmt.Errorf("%w: %w", errors.ErrTransportTimeout, err)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, errors.ErrNoConnection),
		errors.Is(err, errors.ErrCircuitOpen):
		return fmt.Errorf("%w: %w", errors.ErrTransportUnavailable, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "maximum messages") || strings.Contains(msg, "maximum bytes"):
		return fmt.Errorf("%w: %w", ErrStreamFull, err)
	case strings.Contains(msg, "message size exceeds"):
		return fmt.Errorf("%w: %w", ErrMaxPayload, err)
	case strings.Contains(msg, "subjects overlap"):
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return err
}

func toStreamConfig(cfg Config) jetstream.StreamConfig {
	sc := jetstream.StreamConfig{
		Name:        cfg.Name,
		Description: cfg.Description,
		Subjects:    cfg.Subjects,
		MaxMsgs:     unlimited(cfg.MaxMsgs),
		MaxBytes:    unlimited(cfg.MaxBytes),
		MaxAge:      cfg.MaxAge,
		MaxMsgSize:  int32(unlimited(int64(cfg.MaxMsgSize))),
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
		Metadata:    cfg.Metadata,
	}
	if cfg.Storage == MemoryStorage {
		sc.Storage = jetstream.MemoryStorage
	}
	if cfg.Discard == DiscardNew {
		sc.Discard = jetstream.DiscardNew
	}
	if sc.Replicas == 0 {
		sc.Replicas = 1
	}
	return sc
}

func unlimited(n int64) int64 {
	if n == 0 {
		return -1
	}
	return n
}

func limit(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func fromStreamInfo(si *jetstream.StreamInfo, filter string) *Info {
	if si == nil {
		return &Info{}
	}
	sc := si.Config
	info := &Info{
		Config: Config{
			Name:        sc.Name,
			Description: sc.Description,
			Subjects:    sc.Subjects,
			MaxMsgs:     limit(sc.MaxMsgs),
			MaxBytes:    limit(sc.MaxBytes),
			MaxAge:      sc.MaxAge,
			MaxMsgSize:  int32(limit(int64(sc.MaxMsgSize))),
			Replicas:    sc.Replicas,
			Metadata:    sc.Metadata,
		},
		State: State{
			Msgs:     si.State.Msgs,
			Bytes:    si.State.Bytes,
			FirstSeq: si.State.FirstSeq,
			LastSeq:  si.State.LastSeq,
		},
		Created: si.Created,
	}
	if sc.Storage == jetstream.MemoryStorage {
		info.Config.Storage = MemoryStorage
	}
	if sc.Discard == jetstream.DiscardNew {
		info.Config.Discard = DiscardNew
	}
	if filter != "" {
		info.State.Msgs = 0
		for _, n := range si.State.Subjects {
			info.State.Msgs += n
		}
	}
	return info
}

func toDeliverPolicy(p DeliverPolicy) jetstream.DeliverPolicy {
	switch p {
	case DeliverLastPerSubject:
		return jetstream.DeliverLastPerSubjectPolicy
	case DeliverNew:
		return jetstream.DeliverNewPolicy
	default:
		return jetstream.DeliverAllPolicy
	}
}

func fromNATSHeader(h nats.Header) Header {
	if len(h) == 0 {
		return nil
	}
	out := make(Header, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
