package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	filecdn "github.com/syncshard/filecdn"
	"github.com/syncshard/filecdn/backend"
	"github.com/syncshard/filecdn/store/metadb"
)

// phaseOrphanRows removes metadata rows whose file is gone from disk.
// Bookkeeping drift, not an error.
func (m *Manager) phaseOrphanRows(ctx context.Context, result *Result) {
	m.logger.Debug("phase: orphan rows")

	records, err := m.db.ListUploaded(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list uploaded: %v", err))
		m.logger.Error("failed to list uploaded files", "error", err)
		return
	}

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h, err := filecdn.ParseHash(rec.Hash)
		if err != nil {
			continue
		}
		exists, err := m.store.Has(ctx, h)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("check %s: %v", rec.Hash, err))
			continue
		}
		if exists {
			continue
		}

		if err := m.db.DeleteFile(ctx, rec.Hash); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete row %s: %v", rec.Hash, err))
			m.logger.Error("failed to delete orphan row", "hash", rec.Hash, "error", err)
			continue
		}

		result.OrphanRowsRemoved++
		m.logger.Debug("removed orphan metadata row", "hash", rec.Hash)
	}
}

// phaseAge removes (or cold-moves) files whose last access is older than the
// retention period.
func (m *Manager) phaseAge(ctx context.Context, result *Result) {
	if m.config.RetentionPeriod <= 0 {
		return
	}

	m.logger.Debug("phase: age retention")

	cutoff := m.now().Add(-m.config.RetentionPeriod)
	records, err := m.db.GetFilesAccessedBefore(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get aged files: %v", err))
		m.logger.Error("failed to query aged files", "error", err)
		return
	}

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.evictFile(ctx, rec, result) {
			result.AgedOut++
		}
	}
}

// phaseCeiling enforces the hard size ceiling with LRU eviction, applied
// even to recently uploaded files.
func (m *Manager) phaseCeiling(ctx context.Context, result *Result) {
	if m.config.MaxCacheBytes <= 0 {
		return
	}

	m.logger.Debug("phase: size ceiling")

	total, err := m.db.TotalUploadedSize(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("total size: %v", err))
		m.logger.Error("failed to compute total size", "error", err)
		return
	}

	for total > m.config.MaxCacheBytes {
		records, err := m.db.GetLRUFiles(ctx, m.config.BatchSize)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("get lru files: %v", err))
			return
		}
		if len(records) == 0 {
			return
		}

		progressed := false
		for _, rec := range records {
			if total <= m.config.MaxCacheBytes {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}

			if m.evictFile(ctx, rec, result) {
				result.LRUEvicted++
				total -= rec.Size
				progressed = true
			}
		}
		if !progressed {
			// Every candidate failed; give up until the next sweep.
			return
		}
	}
}

// evictFile removes one file from the primary tier, either by moving it to
// cold storage or deleting it, then drops its metadata row. Failures are
// logged and skipped.
func (m *Manager) evictFile(ctx context.Context, rec *metadb.FileRecord, result *Result) bool {
	h, err := filecdn.ParseHash(rec.Hash)
	if err != nil {
		return false
	}

	if m.config.Cold != nil {
		if err := m.moveToCold(ctx, h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cold move %s: %v", rec.Hash, err))
			m.logger.Warn("failed to move file to cold storage", "hash", h.ShortString(), "error", err)
			return false
		}
		result.ColdMoves++
	} else {
		if err := m.store.Delete(ctx, h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", rec.Hash, err))
			m.logger.Warn("failed to delete file", "hash", h.ShortString(), "error", err)
			return false
		}
		result.BytesReclaimed += rec.Size
	}

	if err := m.db.DeleteFile(ctx, rec.Hash); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("delete row %s: %v", rec.Hash, err))
		m.logger.Error("failed to delete metadata row after eviction", "hash", rec.Hash, "error", err)
	}

	return true
}

// moveToCold streams the blob into the cold tier, then deletes the primary
// copy. The cold tier may live on a different filesystem, so this is a copy
// and delete rather than a rename.
func (m *Manager) moveToCold(ctx context.Context, h filecdn.Hash) error {
	key, err := m.store.Locate(ctx, h)
	if err != nil {
		return fmt.Errorf("locating: %w", err)
	}
	rc, err := m.store.Backend().Read(ctx, key)
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}
	defer func() { _ = rc.Close() }()

	w, err := m.config.Cold.Backend.Writer(ctx, filecdn.BlobStorageKey(h))
	if err != nil {
		return fmt.Errorf("allocating cold file: %w", err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Close()
		return fmt.Errorf("copying to cold: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("committing cold file: %w", err)
	}

	if err := m.store.Delete(ctx, h); err != nil {
		return fmt.Errorf("deleting primary copy: %w", err)
	}
	return nil
}

// phaseReconcile handles disk entries with no metadata row (crashed upload
// leftovers), and migrates legacy flat keys into the sharded layout when
// the backend supports renames.
func (m *Manager) phaseReconcile(ctx context.Context, result *Result) {
	m.logger.Debug("phase: disk reconcile")

	hashes, err := m.store.List(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list disk: %v", err))
		m.logger.Error("failed to list disk contents", "error", err)
		return
	}

	mover, canMove := m.store.Backend().(backend.MoverBackend)
	grace := m.now().Add(-m.config.UploadGrace).Unix()

	for _, h := range hashes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := m.db.GetFile(ctx, h.String())
		if err == nil {
			// Known file. Migrate it off the legacy layout if needed.
			if canMove {
				m.migrateLegacyKey(ctx, mover, h, result)
			}
			continue
		}
		if !errors.Is(err, metadb.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("lookup %s: %v", h, err))
			continue
		}

		// No row at all. Spare recent files so an in-flight upload that has
		// written its blob but not yet its row is not swept away.
		if fs, ok := m.store.Backend().(interface {
			ModTime(ctx context.Context, key string) (int64, error)
		}); ok {
			key, err := m.store.Locate(ctx, h)
			if err == nil {
				if mtime, err := fs.ModTime(ctx, key); err == nil && mtime > grace {
					continue
				}
			}
		}

		if err := m.store.Delete(ctx, h); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete stray %s: %v", h, err))
			m.logger.Warn("failed to delete stray file", "hash", h.ShortString(), "error", err)
			continue
		}
		result.StraysDeleted++
		m.logger.Debug("deleted stray file with no metadata", "hash", h.ShortString())
	}
}

func (m *Manager) migrateLegacyKey(ctx context.Context, mover backend.MoverBackend, h filecdn.Hash, result *Result) {
	key, err := m.store.Locate(ctx, h)
	if err != nil || key != filecdn.LegacyBlobStorageKey(h) {
		return
	}
	if err := mover.Move(ctx, key, filecdn.BlobStorageKey(h)); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("migrate %s: %v", h, err))
		m.logger.Warn("failed to migrate legacy key", "hash", h.ShortString(), "error", err)
		return
	}
	result.KeysMigrated++
	m.logger.Debug("migrated legacy key to sharded layout", "hash", h.ShortString())
}

// coldFile is one cold-tier entry with its observed size and mtime.
type coldFile struct {
	key   string
	size  int64
	mtime int64
}

// phaseColdTier enforces the cold tier's own retention period and ceiling.
// Cold files have no metadata rows, so age is judged by mtime.
func (m *Manager) phaseColdTier(ctx context.Context, result *Result) {
	if m.config.Cold == nil {
		return
	}

	m.logger.Debug("phase: cold tier")

	cold := m.config.Cold
	keys, err := cold.Backend.List(ctx, "blobs")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list cold tier: %v", err))
		m.logger.Error("failed to list cold tier", "error", err)
		return
	}

	var files []coldFile
	var total int64
	for _, key := range keys {
		size, err := cold.Backend.Size(ctx, key)
		if err != nil {
			continue
		}
		mtime, err := cold.Backend.ModTime(ctx, key)
		if err != nil {
			continue
		}
		files = append(files, coldFile{key: key, size: size, mtime: mtime})
		total += size
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	var cutoff int64
	if cold.RetentionPeriod > 0 {
		cutoff = m.now().Add(-cold.RetentionPeriod).Unix()
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			return
		default:
		}

		expired := cutoff > 0 && f.mtime < cutoff
		overCeiling := cold.MaxBytes > 0 && total > cold.MaxBytes
		if !expired && !overCeiling {
			continue
		}

		if err := cold.Backend.Delete(ctx, f.key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete cold %s: %v", f.key, err))
			m.logger.Warn("failed to delete cold file", "key", f.key, "error", err)
			continue
		}
		result.ColdDeleted++
		result.BytesReclaimed += f.size
		total -= f.size
	}
}
