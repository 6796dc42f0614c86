// Package store maps content hashes to storage locations on top of a
// backend, maintaining the hash→path and path→hash invariants.
package store

import (
	"context"
	"io"

	filecdn "github.com/syncshard/filecdn"
)

// AccessTracker is notified when a blob is read, so the metadata table can
// maintain last-access times. Authoritative nodes wire the metadb here; edge
// shards leave it nil.
type AccessTracker interface {
	Touch(ctx context.Context, h filecdn.Hash) error
}

// Store resolves content hashes to readable and writable byte streams.
type Store interface {
	// Open returns a reader for the blob plus its size.
	// Returns backend.ErrNotFound if the hash does not exist under any
	// known layout.
	Open(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error)

	// Allocate returns a writer at the canonical sharded location.
	// The blob becomes visible only when Close returns nil.
	Allocate(ctx context.Context, h filecdn.Hash) (io.WriteCloser, error)

	// Put stores the reader's content at the canonical sharded location.
	Put(ctx context.Context, h filecdn.Hash, r io.Reader) error

	// Has checks whether the hash exists under any known layout.
	Has(ctx context.Context, h filecdn.Hash) (bool, error)

	// Size returns the blob's size under whichever layout holds it.
	Size(ctx context.Context, h filecdn.Hash) (int64, error)

	// Delete removes the blob from every layout it exists under.
	// Idempotent.
	Delete(ctx context.Context, h filecdn.Hash) error
}

// ExtendedStore adds operations used by the retention engine.
type ExtendedStore interface {
	Store

	// List returns all hashes present in the store, across layouts.
	List(ctx context.Context) ([]filecdn.Hash, error)

	// Locate returns the storage key the hash currently resolves to.
	Locate(ctx context.Context, h filecdn.Hash) (string, error)
}
