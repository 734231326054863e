// Package metadata resolves opaque media identifiers to storage
// descriptors using the relational content-management store. The resolver
// is a pure lookup: it performs no I/O beyond the metadata-store read.
package metadata

import (
	"errors"

	"github.com/google/uuid"
	mediagateway "github.com/wolfeidau/media-gateway"
)

// ErrNotFound is returned when a media id or subtitle id is unknown.
var ErrNotFound = errors.New("metadata: not found")

// Descriptor is an immutable view of one logical media item for the
// duration of a request. It is cheap to recompute, so nothing caches it;
// only the bytes it points to are cached.
type Descriptor struct {
	ID      uuid.UUID
	Backend mediagateway.StorageBackend

	// Locator is backend-specific: a filesystem path for Local, an object
	// key for ObjectStorage, a canonical remote file id for RemoteShare.
	Locator string

	MimeType string

	// DeclaredSize may be 0 (unknown) for RemoteShare until first fetch.
	DeclaredSize int64

	// Access-control flags consumed by the stream server, not enforced
	// here.
	IsPublic        bool
	RequiresSession bool
}

// CacheKey returns the proxy-cache key for this descriptor.
func (d *Descriptor) CacheKey() mediagateway.CacheKey {
	return mediagateway.NewCacheKey(d.Backend, d.Locator)
}
