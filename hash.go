// Package filecdn provides the core content-hash types for the file
// distribution shard. Every blob is identified by the SHA-1 digest of its
// decompressed content, written as 40 lowercase hex characters.
package filecdn

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// HashSize is the size of a SHA-1 digest in bytes.
const HashSize = sha1.Size

// HexLength is the length of a hex-encoded hash (40 characters).
const HexLength = HashSize * 2

// Hash is the SHA-1 digest that identifies a blob. The hex form is
// case-normalised to lowercase everywhere.
type Hash [HashSize]byte

// String returns the lowercase hex representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logging.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:6])
}

// ShardDir returns the first hex character of the hash, used as the
// one-level shard directory that bounds per-directory file counts.
func (h Hash) ShardDir() string {
	return h.String()[:1]
}

// IsZero reports whether the hash is all zeros (uninitialised).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HexLength {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HexLength, len(text))
	}
	_, err := hex.Decode(h[:], []byte(strings.ToLower(string(text))))
	return err
}

// ParseHash parses a hex-encoded hash string. Anything that is not exactly
// 40 hex characters is rejected, which also keeps un-validated input out of
// filesystem paths.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the SHA-1 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(sha1.Sum(data))
}

// HashReader computes the SHA-1 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	copy(hash[:], h.Sum(nil))
	return hash, n, nil
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h io.Writer
	s func() []byte
	n int64
}

// NewHashingReader creates a reader that computes a SHA-1 digest as data is
// read through it.
func NewHashingReader(r io.Reader) *HashingReader {
	h := sha1.New()
	return &HashingReader{
		r: r,
		h: h,
		s: func() []byte { return h.Sum(nil) },
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	copy(hash[:], hr.s())
	return hash
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// HashingWriter wraps a writer and computes the hash as data is written.
type HashingWriter struct {
	w io.Writer
	h io.Writer
	s func() []byte
	n int64
}

// NewHashingWriter creates a writer that computes a SHA-1 digest as data is
// written through it.
func NewHashingWriter(w io.Writer) *HashingWriter {
	h := sha1.New()
	return &HashingWriter{
		w: w,
		h: h,
		s: func() []byte { return h.Sum(nil) },
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	var hash Hash
	copy(hash[:], hw.s())
	return hash
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
