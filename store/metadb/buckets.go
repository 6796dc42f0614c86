package metadb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketFilesByHash = []byte("files_by_hash") // hash -> FileRecord JSON

	// Access-time LRU index plus its reverse index for O(1) delete.
	bucketFilesByAccess    = []byte("files_by_access")     // timestamp+hash -> hash
	bucketFileAccessByHash = []byte("file_access_by_hash") // hash -> 8-byte timestamp
	bucketFilesByUploader  = []byte("files_by_uploader")   // uploader|hash -> nil
	bucketUploaderStats    = []byte("uploader_stats")      // uploader -> UploaderStats JSON
)

// uploaderKeySeparator is the null byte between uploader and hash in the
// files_by_uploader index.
const uploaderKeySeparator = byte(0)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so the access index sorts lexicographically by time. An offset from
// math.MinInt64 keeps pre-1970 values ordered correctly.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the files_by_access index.
// Format: [8-byte timestamp][hash string]
func makeAccessKey(accessTime time.Time, hash string) []byte {
	ts := encodeTimestamp(accessTime)
	key := make([]byte, 8+len(hash))
	copy(key[:8], ts)
	copy(key[8:], hash)
	return key
}

// parseAccessKey extracts the hash from a files_by_access index key.
func parseAccessKey(key []byte) string {
	if len(key) <= 8 {
		return ""
	}
	return string(key[8:])
}

// makeUploaderKey creates a key for the files_by_uploader index.
// Format: [uploader][null][hash]
func makeUploaderKey(uploader, hash string) []byte {
	key := make([]byte, 0, len(uploader)+1+len(hash))
	key = append(key, uploader...)
	key = append(key, uploaderKeySeparator)
	key = append(key, hash...)
	return key
}

// uploaderPrefix returns the scan prefix for one uploader's index entries.
func uploaderPrefix(uploader string) []byte {
	return append([]byte(uploader), uploaderKeySeparator)
}

// parseUploaderKey extracts the hash from a files_by_uploader index key.
func parseUploaderKey(key []byte) string {
	idx := bytes.IndexByte(key, uploaderKeySeparator)
	if idx < 0 || idx+1 >= len(key) {
		return ""
	}
	return string(key[idx+1:])
}
