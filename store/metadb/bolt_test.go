package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	opts = append([]BoltDBOption{WithNoSync(true)}, opts...)
	db := NewBoltDB(opts...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetFileNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetFile(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutGetFile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	record := &FileRecord{
		Hash:     "abc123",
		Uploader: "user-1",
		Uploaded: true,
		Size:     42,
	}
	require.NoError(t, db.PutFile(ctx, record))

	got, err := db.GetFile(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Uploader)
	require.True(t, got.Uploaded)
	require.Equal(t, int64(42), got.Size)
	require.False(t, got.LastAccess.IsZero())
}

func TestMarkUploaded(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Placeholder row created mid-upload.
	require.NoError(t, db.PutFile(ctx, &FileRecord{Hash: "abc", Uploader: "u1"}))

	require.NoError(t, db.MarkUploaded(ctx, "abc", "u1", 128))

	got, err := db.GetFile(ctx, "abc")
	require.NoError(t, err)
	require.True(t, got.Uploaded)
	require.Equal(t, int64(128), got.Size)
	require.False(t, got.UploadedAt.IsZero())

	stats, err := db.GetUploaderStats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Files)
	require.Equal(t, int64(128), stats.Bytes)
}

func TestMarkUploadedIdempotentStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.MarkUploaded(ctx, "abc", "u1", 100))
	require.NoError(t, db.MarkUploaded(ctx, "abc", "u1", 100))

	stats, err := db.GetUploaderStats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Files, "re-marking must not double-count")
}

func TestTouchFileMovesAccessIndex(t *testing.T) {
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, db.MarkUploaded(ctx, "old", "u1", 1))
	current = current.Add(1 * time.Hour)
	require.NoError(t, db.MarkUploaded(ctx, "new", "u1", 1))

	lru, err := db.GetLRUFiles(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "old", lru[0].Hash)

	// Touching the old file makes it most recently used.
	current = current.Add(1 * time.Hour)
	require.NoError(t, db.TouchFile(ctx, "old"))

	lru, err = db.GetLRUFiles(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "new", lru[0].Hash)
	require.Equal(t, "old", lru[1].Hash)
}

func TestTouchFileNotFound(t *testing.T) {
	db := newTestDB(t)
	require.ErrorIs(t, db.TouchFile(context.Background(), "missing"), ErrNotFound)
}

func TestDeleteFile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.MarkUploaded(ctx, "abc", "u1", 64))
	require.NoError(t, db.DeleteFile(ctx, "abc"))

	_, err := db.GetFile(ctx, "abc")
	require.ErrorIs(t, err, ErrNotFound)

	stats, err := db.GetUploaderStats(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Files)
	require.Equal(t, int64(0), stats.Bytes)

	lru, err := db.GetLRUFiles(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, lru)
}

func TestListUploadedSkipsPlaceholders(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutFile(ctx, &FileRecord{Hash: "pending", Uploader: "u1"}))
	require.NoError(t, db.MarkUploaded(ctx, "done", "u1", 10))

	records, err := db.ListUploaded(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "done", records[0].Hash)
}

func TestListByUploader(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.MarkUploaded(ctx, "aaa", "alice", 1))
	require.NoError(t, db.MarkUploaded(ctx, "bbb", "alice", 2))
	require.NoError(t, db.MarkUploaded(ctx, "ccc", "bob", 3))

	records, err := db.ListByUploader(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 2)

	records, err = db.ListByUploader(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "ccc", records[0].Hash)

	records, err = db.ListByUploader(ctx, "carol")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestGetFilesAccessedBefore(t *testing.T) {
	current := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return current }))
	ctx := context.Background()

	require.NoError(t, db.MarkUploaded(ctx, "stale", "u1", 1))
	current = current.Add(48 * time.Hour)
	require.NoError(t, db.MarkUploaded(ctx, "fresh", "u1", 1))

	cutoff := current.Add(-24 * time.Hour)
	records, err := db.GetFilesAccessedBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "stale", records[0].Hash)
}

func TestTotalUploadedSize(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.MarkUploaded(ctx, "aaa", "u1", 100))
	require.NoError(t, db.MarkUploaded(ctx, "bbb", "u2", 250))
	require.NoError(t, db.PutFile(ctx, &FileRecord{Hash: "pending", Size: 999}))

	total, err := db.TotalUploadedSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(350), total)
}

func TestAccessIndexTimestampRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 891011, time.UTC)
	require.Equal(t, now, decodeTimestamp(encodeTimestamp(now)))

	key := makeAccessKey(now, "abc123")
	require.Equal(t, "abc123", parseAccessKey(key))
	require.Equal(t, now, decodeTimestamp(key))
}
