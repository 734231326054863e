package mediagateway

import (
	"fmt"
	"strings"
)

// StorageBackend identifies where the bytes of a media item live.
type StorageBackend string

const (
	BackendLocal         StorageBackend = "local"
	BackendObjectStorage StorageBackend = "object-storage"
	BackendRemoteShare   StorageBackend = "remote-share"
)

// ParseStorageBackend parses a backend identifier string.
func ParseStorageBackend(s string) (StorageBackend, error) {
	switch StorageBackend(strings.ToLower(s)) {
	case BackendLocal:
		return BackendLocal, nil
	case BackendObjectStorage:
		return BackendObjectStorage, nil
	case BackendRemoteShare:
		return BackendRemoteShare, nil
	default:
		return "", fmt.Errorf("unknown storage backend %q", s)
	}
}

// CacheKey identifies one physical file under the proxy cache root. It is
// derived deterministically from the backend and locator of a media item,
// never from request-specific data, so concurrent requests for the same
// media collapse onto the same entry.
type CacheKey struct {
	hash Hash
}

// NewCacheKey derives the cache key for a (backend, locator) pair.
func NewCacheKey(backend StorageBackend, locator string) CacheKey {
	return CacheKey{hash: HashBytes([]byte(string(backend) + "\n" + locator))}
}

// ParseCacheKey parses the hex form of a cache key.
func ParseCacheKey(s string) (CacheKey, error) {
	h, err := ParseHash(s)
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	return CacheKey{hash: h}, nil
}

// String returns the hex form of the key.
func (k CacheKey) String() string {
	return k.hash.String()
}

// ShortString returns a shortened hex form for display.
func (k CacheKey) ShortString() string {
	return k.hash.ShortString()
}

// IsZero returns true for the zero key.
func (k CacheKey) IsZero() bool {
	return k.hash.IsZero()
}

// RelPath returns the sharded path of the entry relative to the cache root.
// Format: {hex[:2]}/{hex}
func (k CacheKey) RelPath() string {
	hex := k.hash.String()
	return hex[:2] + "/" + hex
}

// ParseCacheRelPath extracts a CacheKey from a path relative to the cache
// root, as produced by RelPath.
func ParseCacheRelPath(rel string) (CacheKey, error) {
	parts := strings.Split(rel, "/")
	if len(parts) != 2 {
		return CacheKey{}, fmt.Errorf("invalid cache path format: %s", rel)
	}
	if !strings.HasPrefix(parts[1], parts[0]) {
		return CacheKey{}, fmt.Errorf("cache path shard mismatch: %s", rel)
	}
	return ParseCacheKey(parts[1])
}
