package objstore

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c360/objstore/errors"
	"github.com/c360/objstore/stream"
)

const (
	// DefaultChunkSize is used when neither the bucket nor the object sets one
	DefaultChunkSize = 128 * 1024

	// HeaderOrdinal carries a chunk's zero-based position within its object
	HeaderOrdinal = "Objstore-Ordinal"
	// HeaderChecksum carries the xxhash64 of a chunk body, hex encoded
	HeaderChecksum = "Objstore-Checksum"

	streamPrefix      = "OBJ_"
	subjectPrefix     = "$O."
	chunkToken        = ".C."
	metaToken         = ".M."
	metaKeyChunkSize  = "objstore.chunk_size"
	metaKeyBucketName = "objstore.bucket"
)

var validBucketName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// BucketConfig describes a bucket and the limits of its backing stream
type BucketConfig struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	ChunkSize   int                `json:"chunk_size,omitempty"`
	TTL         time.Duration      `json:"ttl,omitempty"`
	MaxBytes    int64              `json:"max_bytes,omitempty"`
	MaxMsgs     int64              `json:"max_msgs,omitempty"`
	Storage     stream.StorageType `json:"storage"`
	Replicas    int                `json:"replicas,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// ObjectMeta is the caller-controlled part of an object's description
type ObjectMeta struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	// ChunkSize overrides the bucket chunk size for this object
	ChunkSize int `json:"chunk_size,omitempty"`
}

// ObjectInfo is one revision of an object as recorded in the bucket's metadata log
type ObjectInfo struct {
	ObjectMeta
	Bucket   string    `json:"bucket"`
	NUID     string    `json:"nuid"`
	Size     uint64    `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Chunks   uint32    `json:"chunks"`
	Digest   string    `json:"digest,omitempty"`
	Revision uint64    `json:"revision"`
	Deleted  bool      `json:"deleted,omitempty"`

	// Sequence is the stream sequence of the metadata record. Not stored.
	Sequence uint64 `json:"-"`
}

// BucketStatus summarises a bucket. EntryCount and TotalBytes cover current,
// non-deleted objects; StreamMsgs and StreamBytes are the raw stream counters.
type BucketStatus struct {
	Bucket      string             `json:"bucket"`
	Description string             `json:"description,omitempty"`
	EntryCount  uint64             `json:"entry_count"`
	TotalBytes  uint64             `json:"total_bytes"`
	ChunkSize   int                `json:"chunk_size"`
	TTL         time.Duration      `json:"ttl,omitempty"`
	Storage     stream.StorageType `json:"storage"`
	Replicas    int                `json:"replicas"`
	StreamMsgs  uint64             `json:"stream_msgs"`
	StreamBytes uint64             `json:"stream_bytes"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// ValidateBucketName checks a bucket name against [A-Za-z0-9_-]+
func ValidateBucketName(name string) error {
	if !validBucketName.MatchString(name) {
		return fmt.Errorf("%w: %q", errors.ErrBadBucketName, name)
	}
	return nil
}

func validateObjectName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: object name required", errors.ErrBadObjectMeta)
	}
	return nil
}

func streamName(bucket string) string {
	return streamPrefix + bucket
}

func chunkSubject(bucket, nuid string) string {
	return subjectPrefix + bucket + chunkToken + nuid
}

func chunkFilter(bucket string) string {
	return subjectPrefix + bucket + chunkToken + ">"
}

func metaSubject(bucket, name string) string {
	return subjectPrefix + bucket + metaToken + base64.URLEncoding.EncodeToString([]byte(name))
}

func metaFilter(bucket string) string {
	return subjectPrefix + bucket + metaToken + ">"
}

// toStreamConfig maps a bucket onto its stream. New uploads are rejected rather than
// evicting stored chunks once a limit is reached.
func (c BucketConfig) toStreamConfig() stream.Config {
	md := make(map[string]string, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[metaKeyBucketName] = c.Name
	md[metaKeyChunkSize] = strconv.Itoa(c.ChunkSize)

	return stream.Config{
		Name:        streamName(c.Name),
		Description: c.Description,
		Subjects:    []string{chunkFilter(c.Name), metaFilter(c.Name)},
		MaxMsgs:     c.MaxMsgs,
		MaxBytes:    c.MaxBytes,
		MaxAge:      c.TTL,
		Storage:     c.Storage,
		Replicas:    c.Replicas,
		Discard:     stream.DiscardNew,
		Metadata:    md,
	}
}

// bucketConfigFromStream recovers a bucket's configuration from its stream
func bucketConfigFromStream(name string, sc stream.Config) BucketConfig {
	cfg := BucketConfig{
		Name:        name,
		Description: sc.Description,
		ChunkSize:   DefaultChunkSize,
		TTL:         sc.MaxAge,
		MaxBytes:    sc.MaxBytes,
		MaxMsgs:     sc.MaxMsgs,
		Storage:     sc.Storage,
		Replicas:    sc.Replicas,
	}
	for k, v := range sc.Metadata {
		switch k {
		case metaKeyChunkSize:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.ChunkSize = n
			}
		case metaKeyBucketName:
		default:
			if strings.HasPrefix(k, "_nats.") {
				continue
			}
			if cfg.Metadata == nil {
				cfg.Metadata = make(map[string]string)
			}
			cfg.Metadata[k] = v
		}
	}
	return cfg
}
