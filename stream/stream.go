// Package stream defines the append-only, subject-addressed message log the object store
// is built on, with a JetStream implementation and an embedded one.
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360/objstore/errors"
)

// StorageType selects durable or memory-backed storage for a stream
type StorageType int

const (
	FileStorage StorageType = iota
	MemoryStorage
)

func (s StorageType) String() string {
	if s == MemoryStorage {
		return "memory"
	}
	return "file"
}

// ParseStorageType parses "file" or "memory"; empty means file
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToLower(s) {
	case "", "file":
		return FileStorage, nil
	case "memory":
		return MemoryStorage, nil
	default:
		return FileStorage, fmt.Errorf("%w: unknown storage type %q", ErrInvalidConfig, s)
	}
}

// DiscardPolicy decides what happens when a stream limit is reached
type DiscardPolicy int

const (
	// DiscardOld evicts the oldest messages to make room
	DiscardOld DiscardPolicy = iota
	// DiscardNew rejects the publish with ErrStreamFull
	DiscardNew
)

// DeliverPolicy selects where a subscription starts
type DeliverPolicy int

const (
	// DeliverAll replays every retained message matching the filter
	DeliverAll DeliverPolicy = iota
	// DeliverLastPerSubject replays only the newest message of each matching subject
	DeliverLastPerSubject
	// DeliverNew delivers only messages appended after the subscription starts
	DeliverNew
)

// Config describes a stream and its retention limits. Zero limits mean unlimited.
type Config struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Subjects    []string          `json:"subjects"`
	MaxMsgs     int64             `json:"max_msgs,omitempty"`
	MaxBytes    int64             `json:"max_bytes,omitempty"`
	MaxAge      time.Duration     `json:"max_age,omitempty"`
	MaxMsgSize  int32             `json:"max_msg_size,omitempty"`
	Storage     StorageType       `json:"storage"`
	Replicas    int               `json:"replicas,omitempty"`
	Discard     DiscardPolicy     `json:"discard"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// State is a snapshot of a stream's contents
type State struct {
	Msgs     uint64
	Bytes    uint64
	FirstSeq uint64
	LastSeq  uint64
}

// Info is a stream's configuration and state. With a subject filter, State.Msgs counts
// only matching messages.
type Info struct {
	Config  Config
	State   State
	Created time.Time
}

// Header carries per-message string headers
type Header map[string]string

// Msg is a stored message as delivered to readers
type Msg struct {
	Subject  string
	Sequence uint64
	Data     []byte
	Header   Header
	Time     time.Time

	// NumPending is the number of messages still queued for the subscription
	// after this one. Zero on the last message of a replay.
	NumPending uint64
}

// SubscribeOptions selects messages for a subscription
type SubscribeOptions struct {
	Filter  string
	Deliver DeliverPolicy
}

// Subscription is an ordered, cancellable sequence of messages. The channel is closed
// when the subscription ends; Err then reports why, nil for Stop or context cancellation.
type Subscription interface {
	Messages() <-chan *Msg
	Err() error
	Stop() error
}

// Transport is the stream log the object store depends on. Implementations keep
// per-subject publish order and assign strictly increasing sequence numbers.
type Transport interface {
	CreateStream(ctx context.Context, cfg Config) (*Info, error)
	StreamInfo(ctx context.Context, name, subjectFilter string) (*Info, error)
	DeleteStream(ctx context.Context, name string) error
	Publish(ctx context.Context, subject string, data []byte, hdr Header) (uint64, error)
	LastMsg(ctx context.Context, stream, subject string) (*Msg, error)
	Subscribe(ctx context.Context, stream string, opts SubscribeOptions) (Subscription, error)
	Purge(ctx context.Context, stream, subject string) error
}

// Transport errors
var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream name already in use with a different configuration")
	ErrMsgNotFound    = errors.New("message not found")
	ErrNoStream       = errors.New("no stream matches subject")
	ErrStreamFull     = fmt.Errorf("stream limits reached: %w", errors.ErrStorageFull)
	ErrMaxPayload     = fmt.Errorf("stream: %w", errors.ErrMaxPayload)
	ErrClosed         = fmt.Errorf("transport closed: %w", errors.ErrTransportUnavailable)
	ErrInvalidConfig  = fmt.Errorf("stream: %w", errors.ErrInvalidConfig)
)

// ValidateConfig checks a stream configuration
func ValidateConfig(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: stream name required", ErrInvalidConfig)
	}
	if strings.ContainsAny(cfg.Name, " .*>\t\r\n/\\") {
		return fmt.Errorf("%w: invalid stream name %q", ErrInvalidConfig, cfg.Name)
	}
	if len(cfg.Subjects) == 0 {
		return fmt.Errorf("%w: at least one subject required", ErrInvalidConfig)
	}
	for _, s := range cfg.Subjects {
		if !ValidSubject(s, true) {
			return fmt.Errorf("%w: invalid subject %q", ErrInvalidConfig, s)
		}
	}
	if cfg.MaxMsgs < 0 || cfg.MaxBytes < 0 || cfg.MaxAge < 0 || cfg.MaxMsgSize < 0 || cfg.Replicas < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	return nil
}

// ValidSubject reports whether s is a well-formed subject. Wildcards are accepted
// only when wildcards is true, and ">" only as the last token.
func ValidSubject(s string, wildcards bool) bool {
	if s == "" {
		return false
	}
	tokens := strings.Split(s, ".")
	for i, t := range tokens {
		if t == "" || strings.ContainsAny(t, " \t\r\n") {
			return false
		}
		switch {
		case t == ">":
			if !wildcards || i != len(tokens)-1 {
				return false
			}
		case t == "*":
			if !wildcards {
				return false
			}
		case strings.ContainsAny(t, "*>"):
			return false
		}
	}
	return true
}

// SubjectMatches reports whether subject is selected by filter, using NATS wildcard
// rules: "*" matches one token, ">" matches one or more trailing tokens.
func SubjectMatches(filter, subject string) bool {
	if filter == "" || filter == ">" {
		return subject != ""
	}
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, f := range ft {
		if f == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if f != "*" && f != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}

// SubjectsOverlap reports whether some subject could match both filters
func SubjectsOverlap(a, b string) bool {
	at := strings.Split(a, ".")
	bt := strings.Split(b, ".")
	for i := 0; i < len(at) && i < len(bt); i++ {
		if at[i] == ">" || bt[i] == ">" {
			return true
		}
		if at[i] != "*" && bt[i] != "*" && at[i] != bt[i] {
			return false
		}
	}
	return len(at) == len(bt)
}
