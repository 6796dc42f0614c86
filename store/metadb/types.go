// Package metadb provides the bbolt-backed file metadata table used by
// authoritative nodes. Edge shards run without one and rely entirely on the
// cached file provider's miss-fetch path.
package metadb

import "time"

// FileRecord is the metadata row for an uploaded file. A row with
// Uploaded=false is a placeholder created while an upload is in flight and
// is not served.
type FileRecord struct {
	Hash       string    `json:"hash"`
	Uploader   string    `json:"uploader"`
	Uploaded   bool      `json:"uploaded"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	LastAccess time.Time `json:"last_access"`
	Forbidden  bool      `json:"forbidden,omitempty"`
}

// UploaderStats aggregates per-uploader accounting, maintained as rows are
// marked uploaded and deleted.
type UploaderStats struct {
	Files int64 `json:"files"`
	Bytes int64 `json:"bytes"`
}
