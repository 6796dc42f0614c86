// Package backend provides the storage backend abstraction the content store
// is built on.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, overwriting any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix, using "/" as the
	// path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// WriterBackend extends Backend with direct writer access, letting callers
// stream data in rather than provide a reader. The write is only committed
// when Close returns nil.
type WriterBackend interface {
	Backend

	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// MoverBackend extends Backend with a rename between keys, used to relocate
// a blob without copying it (for example migrating a legacy flat key into
// the sharded layout).
type MoverBackend interface {
	Backend

	Move(ctx context.Context, srcKey, dstKey string) error
}
