// Package upload accepts compressed blobs, proves they match their claimed
// hash, and persists each exactly once even under concurrent duplicate
// uploads.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/store"
	"github.com/syncshard/filecdn/store/metadb"
	"github.com/syncshard/filecdn/telemetry"
)

// DefaultMaxBytes is the decompressed size ceiling for a single upload.
const DefaultMaxBytes = 200 << 20 // 200 MiB

var (
	// ErrHashMismatch is returned when the decompressed content does not
	// hash to the claimed value. Nothing is persisted.
	ErrHashMismatch = errors.New("content does not match claimed hash")

	// ErrTooLarge is returned when the decompressed content exceeds the
	// configured ceiling.
	ErrTooLarge = errors.New("upload exceeds size limit")

	// ErrBadEncoding is returned for an unsupported Content-Encoding.
	ErrBadEncoding = errors.New("unsupported content encoding")
)

// Manager runs the upload pipeline against a store and metadata table.
type Manager struct {
	store    store.Store
	db       metadb.MetaDB
	locks    *lockTable
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxBytes sets the decompressed size ceiling.
func WithMaxBytes(n int64) Option {
	return func(m *Manager) {
		m.maxBytes = n
	}
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates an upload Manager.
func New(s store.Store, db metadb.MetaDB, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		db:       db,
		locks:    newLockTable(),
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Upload verifies and persists one blob. encoding is the request's
// Content-Encoding ("zstd", "gzip", or empty for raw). Uploading a hash that
// is already stored succeeds without re-persisting, so concurrent duplicate
// uploads all return success with exactly one stored copy.
func (m *Manager) Upload(ctx context.Context, uploader string, claimed filecdn.Hash, body io.Reader, encoding string) (int64, error) {
	if size, ok, err := m.alreadyUploaded(ctx, claimed); err != nil {
		return 0, err
	} else if ok {
		return size, nil
	}

	m.locks.acquire(claimed)
	defer m.locks.release(claimed)

	// A concurrent upload may have finished while we waited on the lock.
	if size, ok, err := m.alreadyUploaded(ctx, claimed); err != nil {
		return 0, err
	} else if ok {
		return size, nil
	}

	data, err := decode(body, encoding, m.maxBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			telemetry.RecordUploadReject(ctx, "too_large")
		}
		return 0, err
	}

	if got := filecdn.HashBytes(data); got != claimed {
		m.logger.Warn("rejected upload with mismatched hash",
			"claimed", claimed.ShortString(),
			"computed", got.ShortString(),
			"uploader", uploader)
		telemetry.RecordUploadReject(ctx, "hash_mismatch")
		return 0, ErrHashMismatch
	}

	if err := m.store.Put(ctx, claimed, bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("persisting upload: %w", err)
	}

	size := int64(len(data))
	if err := m.db.MarkUploaded(ctx, claimed.String(), uploader, size); err != nil {
		return 0, fmt.Errorf("marking uploaded: %w", err)
	}

	telemetry.RecordUpload(ctx, size)
	m.logger.Info("stored upload",
		"hash", claimed.ShortString(),
		"size", size,
		"uploader", uploader)

	return size, nil
}

// DeleteAll removes every file the uploader owns, both the metadata rows
// and the on-disk blobs. File delete failures are logged and skipped; the
// row is removed regardless since the retention sweep reconciles strays.
func (m *Manager) DeleteAll(ctx context.Context, uploader string) (int, error) {
	records, err := m.db.ListByUploader(ctx, uploader)
	if err != nil {
		return 0, fmt.Errorf("listing uploads: %w", err)
	}

	deleted := 0
	for _, rec := range records {
		h, err := filecdn.ParseHash(rec.Hash)
		if err != nil {
			m.logger.Warn("skipping malformed hash in uploader listing", "hash", rec.Hash)
			continue
		}
		if err := m.store.Delete(ctx, h); err != nil {
			m.logger.Warn("failed to delete uploaded file", "hash", h.ShortString(), "error", err)
		}
		if err := m.db.DeleteFile(ctx, rec.Hash); err != nil {
			m.logger.Warn("failed to delete metadata row", "hash", h.ShortString(), "error", err)
			continue
		}
		deleted++
	}

	m.logger.Info("deleted uploader content", "uploader", uploader, "files", deleted)
	return deleted, nil
}

func (m *Manager) alreadyUploaded(ctx context.Context, h filecdn.Hash) (int64, bool, error) {
	rec, err := m.db.GetFile(ctx, h.String())
	if errors.Is(err, metadb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checking metadata: %w", err)
	}
	if rec.Uploaded {
		return rec.Size, true, nil
	}
	return 0, false, nil
}

// decode reads the request body into memory, applying the transport
// compression and enforcing the decompressed ceiling.
func decode(body io.Reader, encoding string, limit int64) ([]byte, error) {
	var r io.Reader

	switch encoding {
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	case "", "identity":
		r = body
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadEncoding, encoding)
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}
