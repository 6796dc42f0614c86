package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Testing and benchmarking only.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketFilesByHash,
			bucketFilesByAccess,
			bucketFileAccessByHash,
			bucketFilesByUploader,
			bucketUploaderStats,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// GetFile retrieves the record for a hash.
func (b *BoltDB) GetFile(_ context.Context, hash string) (*FileRecord, error) {
	var record *FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFilesByHash).Get([]byte(hash))
		if val == nil {
			return ErrNotFound
		}
		record = &FileRecord{}
		return json.Unmarshal(val, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// PutFile stores a record, maintaining the access and uploader indexes.
func (b *BoltDB) PutFile(_ context.Context, record *FileRecord) error {
	if record.LastAccess.IsZero() {
		record.LastAccess = b.now()
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putFileTx(tx, record)
	})
}

func (b *BoltDB) putFileTx(tx *bbolt.Tx, record *FileRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	key := []byte(record.Hash)
	if err := tx.Bucket(bucketFilesByHash).Put(key, data); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}

	if err := b.updateAccessIndexTx(tx, record.Hash, record.LastAccess); err != nil {
		return err
	}

	if record.Uploader != "" {
		if err := tx.Bucket(bucketFilesByUploader).Put(makeUploaderKey(record.Uploader, record.Hash), nil); err != nil {
			return fmt.Errorf("putting uploader index: %w", err)
		}
	}

	return nil
}

// updateAccessIndexTx replaces the forward and reverse access index entries
// for a hash.
func (b *BoltDB) updateAccessIndexTx(tx *bbolt.Tx, hash string, accessTime time.Time) error {
	forward := tx.Bucket(bucketFilesByAccess)
	reverse := tx.Bucket(bucketFileAccessByHash)

	if old := reverse.Get([]byte(hash)); old != nil {
		if err := forward.Delete(makeAccessKey(decodeTimestamp(old), hash)); err != nil {
			return fmt.Errorf("deleting old access index: %w", err)
		}
	}

	if err := forward.Put(makeAccessKey(accessTime, hash), []byte(hash)); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := reverse.Put([]byte(hash), encodeTimestamp(accessTime)); err != nil {
		return fmt.Errorf("putting access reverse index: %w", err)
	}
	return nil
}

// MarkUploaded flips the record to uploaded with final size and timestamp.
func (b *BoltDB) MarkUploaded(_ context.Context, hash, uploader string, size int64) error {
	now := b.now()
	return b.db.Update(func(tx *bbolt.Tx) error {
		record := &FileRecord{Hash: hash, Uploader: uploader}
		if val := tx.Bucket(bucketFilesByHash).Get([]byte(hash)); val != nil {
			if err := json.Unmarshal(val, record); err != nil {
				return fmt.Errorf("decoding record: %w", err)
			}
		}

		alreadyCounted := record.Uploaded

		record.Uploaded = true
		record.Size = size
		record.UploadedAt = now
		record.LastAccess = now
		if uploader != "" {
			record.Uploader = uploader
		}

		if err := b.putFileTx(tx, record); err != nil {
			return err
		}

		if !alreadyCounted {
			return b.adjustUploaderStatsTx(tx, record.Uploader, 1, size)
		}
		return nil
	})
}

// TouchFile updates the last access time for a file.
func (b *BoltDB) TouchFile(_ context.Context, hash string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFilesByHash).Get([]byte(hash))
		if val == nil {
			return ErrNotFound
		}

		var record FileRecord
		if err := json.Unmarshal(val, &record); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}

		record.LastAccess = b.now()
		return b.putFileTx(tx, &record)
	})
}

// DeleteFile removes a record and its index entries.
func (b *BoltDB) DeleteFile(_ context.Context, hash string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(hash)
		val := tx.Bucket(bucketFilesByHash).Get(key)
		if val == nil {
			return ErrNotFound
		}

		var record FileRecord
		if err := json.Unmarshal(val, &record); err != nil {
			return fmt.Errorf("decoding record: %w", err)
		}

		if err := tx.Bucket(bucketFilesByHash).Delete(key); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}

		reverse := tx.Bucket(bucketFileAccessByHash)
		if old := reverse.Get(key); old != nil {
			if err := tx.Bucket(bucketFilesByAccess).Delete(makeAccessKey(decodeTimestamp(old), hash)); err != nil {
				return fmt.Errorf("deleting access index: %w", err)
			}
			if err := reverse.Delete(key); err != nil {
				return fmt.Errorf("deleting access reverse index: %w", err)
			}
		}

		if record.Uploader != "" {
			if err := tx.Bucket(bucketFilesByUploader).Delete(makeUploaderKey(record.Uploader, hash)); err != nil {
				return fmt.Errorf("deleting uploader index: %w", err)
			}
		}

		if record.Uploaded {
			return b.adjustUploaderStatsTx(tx, record.Uploader, -1, -record.Size)
		}
		return nil
	})
}

// ListUploaded returns all records marked uploaded.
func (b *BoltDB) ListUploaded(_ context.Context) ([]*FileRecord, error) {
	var records []*FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketFilesByHash).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record FileRecord
			if err := json.Unmarshal(v, &record); err != nil {
				b.logger.Warn("skipping undecodable record", "hash", string(k), "error", err)
				continue
			}
			if record.Uploaded {
				records = append(records, &record)
			}
		}
		return nil
	})
	return records, err
}

// ListByUploader returns all records belonging to one uploader.
func (b *BoltDB) ListByUploader(_ context.Context, uploader string) ([]*FileRecord, error) {
	var records []*FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFilesByHash)
		cursor := tx.Bucket(bucketFilesByUploader).Cursor()
		prefix := uploaderPrefix(uploader)
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			hash := parseUploaderKey(k)
			val := files.Get([]byte(hash))
			if val == nil {
				continue
			}
			var record FileRecord
			if err := json.Unmarshal(val, &record); err != nil {
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// GetLRUFiles returns up to limit uploaded records, oldest access first.
func (b *BoltDB) GetLRUFiles(ctx context.Context, limit int) ([]*FileRecord, error) {
	return b.scanByAccess(ctx, time.Time{}, limit, false)
}

// GetFilesAccessedBefore returns uploaded records last accessed before the
// cutoff, oldest first.
func (b *BoltDB) GetFilesAccessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*FileRecord, error) {
	return b.scanByAccess(ctx, cutoff, limit, true)
}

func (b *BoltDB) scanByAccess(_ context.Context, cutoff time.Time, limit int, bounded bool) ([]*FileRecord, error) {
	var records []*FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFilesByHash)
		cursor := tx.Bucket(bucketFilesByAccess).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			if bounded && !decodeTimestamp(k).Before(cutoff) {
				break
			}

			val := files.Get(v)
			if val == nil {
				continue
			}
			var record FileRecord
			if err := json.Unmarshal(val, &record); err != nil {
				continue
			}
			if !record.Uploaded {
				continue
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// TotalUploadedSize returns the sum of sizes of all uploaded records.
func (b *BoltDB) TotalUploadedSize(_ context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketFilesByHash).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record FileRecord
			if err := json.Unmarshal(v, &record); err != nil {
				continue
			}
			if record.Uploaded {
				total += record.Size
			}
		}
		return nil
	})
	return total, err
}

// GetUploaderStats returns the aggregate counters for one uploader.
func (b *BoltDB) GetUploaderStats(_ context.Context, uploader string) (*UploaderStats, error) {
	stats := &UploaderStats{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketUploaderStats).Get([]byte(uploader))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, stats)
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (b *BoltDB) adjustUploaderStatsTx(tx *bbolt.Tx, uploader string, files, bytesDelta int64) error {
	if uploader == "" {
		return nil
	}

	bucket := tx.Bucket(bucketUploaderStats)
	stats := UploaderStats{}
	if val := bucket.Get([]byte(uploader)); val != nil {
		if err := json.Unmarshal(val, &stats); err != nil {
			return fmt.Errorf("decoding uploader stats: %w", err)
		}
	}

	stats.Files += files
	stats.Bytes += bytesDelta
	if stats.Files < 0 {
		stats.Files = 0
	}
	if stats.Bytes < 0 {
		stats.Bytes = 0
	}

	data, err := json.Marshal(&stats)
	if err != nil {
		return fmt.Errorf("encoding uploader stats: %w", err)
	}
	return bucket.Put([]byte(uploader), data)
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
