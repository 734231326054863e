// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// backendKey is the context key for propagating the storage backend to
	// background goroutines.
	backendKey contextKey = "backend"
)

// CacheResult represents the outcome of a proxy-cache lookup.
type CacheResult string

const (
	CacheHit      CacheResult = "hit"
	CacheMiss     CacheResult = "miss"
	CacheNegative CacheResult = "negative"
	CacheBypass   CacheResult = "bypass"
	CacheNA       CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Backend     string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetBackend sets the storage backend tag for metrics and logging.
func SetBackend(r *http.Request, backend string) {
	if tags := GetTags(r); tags != nil {
		tags.Backend = backend
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// BackendFromContext retrieves the storage backend from a context.
// It checks both background contexts (set by WithBackendContext) and
// request contexts (set by SetBackend via InjectTags).
func BackendFromContext(ctx context.Context) string {
	if b, ok := ctx.Value(backendKey).(string); ok && b != "" {
		return b
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Backend
	}
	return ""
}

// WithBackendContext returns a context with the storage backend stored.
// Use this to propagate the backend into goroutines that outlive the
// request context.
func WithBackendContext(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, backendKey, backend)
}
