package objstore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/c360/objstore/errors"
)

const digestPrefix = "SHA-256="

// Chunk is one ordered piece of an object's payload
type Chunk struct {
	Ordinal int
	Data    []byte
}

// Split cuts payload into chunks of at most chunkSize bytes. An empty payload yields
// no chunks.
func Split(payload []byte, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", errors.ErrInvalidData, chunkSize)
	}
	chunks := make([]Chunk, 0, (len(payload)+chunkSize-1)/chunkSize)
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		chunks = append(chunks, Chunk{Ordinal: len(chunks), Data: payload[off:end]})
	}
	return chunks, nil
}

// Reassemble concatenates chunks in ordinal order. Ordinals must be exactly
// 0..len(chunks)-1; a gap, duplicate or out-of-range ordinal is corruption.
func Reassemble(chunks []Chunk) ([]byte, error) {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	size := 0
	for i, c := range ordered {
		if c.Ordinal != i {
			return nil, fmt.Errorf("%w: chunk ordinal %d at position %d", errors.ErrObjectCorrupted, c.Ordinal, i)
		}
		size += len(c.Data)
	}

	out := make([]byte, 0, size)
	for _, c := range ordered {
		out = append(out, c.Data...)
	}
	return out, nil
}

// Digest returns the object digest, "SHA-256=" followed by the base64url SHA-256
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return digestPrefix + base64.URLEncoding.EncodeToString(sum[:])
}

func encodeDigest(h hash.Hash) string {
	return digestPrefix + base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// Checksum returns the per-chunk checksum carried in HeaderChecksum
func Checksum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Chunker reads a payload from an io.Reader one chunk at a time, accumulating size
// and digest. Only one chunk is held in memory.
type Chunker struct {
	r     io.Reader
	buf   []byte
	hash  hash.Hash
	size  uint64
	count int
	done  bool
}

// NewChunker creates a chunker over r
func NewChunker(r io.Reader, chunkSize int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", errors.ErrInvalidData, chunkSize)
	}
	return &Chunker{r: r, buf: make([]byte, chunkSize), hash: sha256.New()}, nil
}

// Next returns the next chunk, or io.EOF once the reader is exhausted. The chunk's
// Data is only valid until the following call.
func (c *Chunker) Next() (Chunk, error) {
	if c.done || c.r == nil {
		return Chunk{}, io.EOF
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case err == io.EOF:
		c.done = true
		return Chunk{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		c.done = true
	case err != nil:
		return Chunk{}, err
	}

	data := c.buf[:n]
	c.hash.Write(data)
	c.size += uint64(n)
	chunk := Chunk{Ordinal: c.count, Data: data}
	c.count++
	return chunk, nil
}

// Size is the number of bytes read so far
func (c *Chunker) Size() uint64 { return c.size }

// Count is the number of chunks returned so far
func (c *Chunker) Count() int { return c.count }

// Digest is the digest of the bytes read so far
func (c *Chunker) Digest() string { return encodeDigest(c.hash) }

// Assembler writes the chunks of one object revision to an io.Writer in ordinal
// order, verifying each chunk's checksum, and checks count, size and digest in Finish.
type Assembler struct {
	w    io.Writer
	info *ObjectInfo
	hash hash.Hash
	next int
	size uint64
}

// NewAssembler creates an assembler for the revision described by info
func NewAssembler(w io.Writer, info *ObjectInfo) *Assembler {
	return &Assembler{w: w, info: info, hash: sha256.New()}
}

// Write appends one chunk. An empty checksum skips the per-chunk check.
func (a *Assembler) Write(ordinal int, data []byte, checksum string) error {
	if ordinal != a.next {
		return fmt.Errorf("%w: chunk %d arrived, expected %d", errors.ErrObjectCorrupted, ordinal, a.next)
	}
	if ordinal >= int(a.info.Chunks) {
		return fmt.Errorf("%w: chunk %d beyond chunk count %d", errors.ErrObjectCorrupted, ordinal, a.info.Chunks)
	}
	if checksum != "" && checksum != Checksum(data) {
		return fmt.Errorf("%w: chunk %d checksum mismatch", errors.ErrObjectCorrupted, ordinal)
	}

	a.hash.Write(data)
	if _, err := a.w.Write(data); err != nil {
		return err
	}
	a.next++
	a.size += uint64(len(data))
	return nil
}

// Finish verifies that every chunk arrived and the payload matches its digest
func (a *Assembler) Finish() error {
	if a.next != int(a.info.Chunks) {
		return fmt.Errorf("%w: received %d of %d chunks", errors.ErrObjectCorrupted, a.next, a.info.Chunks)
	}
	if a.size != a.info.Size {
		return fmt.Errorf("%w: size %d, expected %d", errors.ErrObjectCorrupted, a.size, a.info.Size)
	}
	if a.info.Digest != "" && encodeDigest(a.hash) != a.info.Digest {
		return fmt.Errorf("%w: %w", errors.ErrObjectCorrupted, errors.ErrDigestMismatch)
	}
	return nil
}
