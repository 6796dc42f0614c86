package filecdn

import (
	"fmt"
	"strings"
)

// Blob storage key layout.

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the canonical backend storage key for a blob.
// Format: blobs/{hex[0]}/{hex}, a one-level shard directory keyed by the
// first hex character. All new writes use this layout.
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return blobKeyPrefix + "/" + hex[:1] + "/" + hex
}

// LegacyBlobStorageKey returns the pre-sharding flat key for a blob.
// Format: blobs/{hex}. Consulted on reads only, never written.
func LegacyBlobStorageKey(h Hash) string {
	return blobKeyPrefix + "/" + h.String()
}

// ReadKeys returns the ordered list of storage keys to try when resolving a
// blob. The sharded layout wins; the flat legacy layout is a fallback so a
// future third layout can be appended without touching call sites.
func ReadKeys(h Hash) []string {
	return []string{BlobStorageKey(h), LegacyBlobStorageKey(h)}
}

// ParseBlobStorageKey extracts a Hash from a backend storage key. It accepts
// both the sharded format (blobs/x/hex) and the legacy flat format
// (blobs/hex).
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")

	switch len(parts) {
	case 2:
		// blobs/hex (legacy flat)
		if parts[0] != blobKeyPrefix {
			return Hash{}, fmt.Errorf("invalid blob key prefix: %s", key)
		}
		return ParseHash(parts[1])
	case 3:
		// blobs/x/hex
		if parts[0] != blobKeyPrefix {
			return Hash{}, fmt.Errorf("invalid blob key prefix: %s", key)
		}
		h, err := ParseHash(parts[2])
		if err != nil {
			return Hash{}, err
		}
		if parts[1] != h.ShardDir() {
			return Hash{}, fmt.Errorf("shard directory mismatch in blob key: %s", key)
		}
		return h, nil
	default:
		return Hash{}, fmt.Errorf("invalid blob key format: %s", key)
	}
}
