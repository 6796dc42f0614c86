package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/backend"
)

// FileStore implements content-addressed file storage over a backend.
// Reads consult an ordered list of key layouts (sharded first, then the
// legacy flat layout); all writes go to the sharded layout.
type FileStore struct {
	backend backend.Backend
	tracker AccessTracker
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithAccessTracker sets a tracker for last-access bookkeeping.
func WithAccessTracker(tracker AccessTracker) Option {
	return func(s *FileStore) {
		s.tracker = tracker
	}
}

// New creates a content store over the given backend.
func New(b backend.Backend, opts ...Option) *FileStore {
	s := &FileStore{backend: b}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Locate returns the storage key the hash resolves to, trying each layout
// in order.
func (s *FileStore) Locate(ctx context.Context, h filecdn.Hash) (string, error) {
	for _, key := range filecdn.ReadKeys(h) {
		exists, err := s.backend.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", key, err)
		}
		if exists {
			return key, nil
		}
	}
	return "", backend.ErrNotFound
}

// Open returns a reader for the blob plus its size.
func (s *FileStore) Open(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error) {
	key, err := s.Locate(ctx, h)
	if err != nil {
		return nil, 0, err
	}

	size, err := s.backend.Size(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, 0, err
	}

	// Update access time asynchronously (best effort).
	if s.tracker != nil {
		go func() { _ = s.tracker.Touch(context.Background(), h) }()
	}

	return rc, size, nil
}

// Allocate returns a writer at the canonical sharded key.
func (s *FileStore) Allocate(ctx context.Context, h filecdn.Hash) (io.WriteCloser, error) {
	wb, ok := s.backend.(backend.WriterBackend)
	if !ok {
		return nil, errors.New("backend does not support direct writers")
	}
	return wb.Writer(ctx, filecdn.BlobStorageKey(h))
}

// Put stores content at the canonical sharded key.
func (s *FileStore) Put(ctx context.Context, h filecdn.Hash, r io.Reader) error {
	if err := s.backend.Write(ctx, filecdn.BlobStorageKey(h), r); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

// Has checks whether the hash exists under any layout.
func (s *FileStore) Has(ctx context.Context, h filecdn.Hash) (bool, error) {
	_, err := s.Locate(ctx, h)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size returns the blob's size under whichever layout holds it.
func (s *FileStore) Size(ctx context.Context, h filecdn.Hash) (int64, error) {
	key, err := s.Locate(ctx, h)
	if err != nil {
		return 0, err
	}
	return s.backend.Size(ctx, key)
}

// Delete removes the blob from every layout. A blob may exist under both
// layouts after a legacy import, so both keys are attempted.
func (s *FileStore) Delete(ctx context.Context, h filecdn.Hash) error {
	var firstErr error
	for _, key := range filecdn.ReadKeys(h) {
		if err := s.backend.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return firstErr
}

// List returns all hashes present in the store.
func (s *FileStore) List(ctx context.Context) ([]filecdn.Hash, error) {
	keys, err := s.backend.List(ctx, "blobs")
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	seen := make(map[filecdn.Hash]struct{}, len(keys))
	hashes := make([]filecdn.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := filecdn.ParseBlobStorageKey(key)
		if err != nil {
			// Not a blob key; leave it for the reconciliation pass.
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// Backend exposes the underlying backend for components that need raw key
// access (the retention engine's reconciliation pass).
func (s *FileStore) Backend() backend.Backend {
	return s.backend
}

// Compile-time interface checks
var (
	_ Store         = (*FileStore)(nil)
	_ ExtendedStore = (*FileStore)(nil)
)
