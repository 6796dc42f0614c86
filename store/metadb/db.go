package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB is the file metadata table consumed by the upload pipeline and the
// retention engine.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// File records
	GetFile(ctx context.Context, hash string) (*FileRecord, error)
	PutFile(ctx context.Context, record *FileRecord) error
	// MarkUploaded flips the record to uploaded with its final size and
	// timestamp, creating the record if it does not exist.
	MarkUploaded(ctx context.Context, hash, uploader string, size int64) error
	// TouchFile updates the last access time for an uploaded file.
	TouchFile(ctx context.Context, hash string) error
	DeleteFile(ctx context.Context, hash string) error

	// Queries
	ListUploaded(ctx context.Context) ([]*FileRecord, error)
	ListByUploader(ctx context.Context, uploader string) ([]*FileRecord, error)
	// GetLRUFiles returns up to limit uploaded records ordered by last
	// access time ascending (oldest first).
	GetLRUFiles(ctx context.Context, limit int) ([]*FileRecord, error)
	// GetFilesAccessedBefore returns uploaded records whose last access is
	// older than the cutoff.
	GetFilesAccessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*FileRecord, error)
	TotalUploadedSize(ctx context.Context) (int64, error)
	GetUploaderStats(ctx context.Context, uploader string) (*UploaderStats, error)
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
