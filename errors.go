package mediagateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures so the stream server can map them to
// HTTP responses without backend-specific branching.
type ErrorKind int

const (
	// KindUnknown is the zero value; treated as an internal error.
	KindUnknown ErrorKind = iota

	// KindNotFound means the media id or upstream object does not exist.
	KindNotFound

	// KindForbidden means the request failed the origin gate.
	KindForbidden

	// KindUpstreamTransient means the upstream failed in a way that may
	// succeed on retry (network blip, 5xx, throttling).
	KindUpstreamTransient

	// KindUpstreamPermanent means the upstream failed durably (deleted
	// file, revoked share, malformed locator). Eligible for negative
	// caching.
	KindUpstreamPermanent

	// KindCacheCorruption means a cache entry failed validation (size
	// mismatch, partial write) and was invalidated.
	KindCacheCorruption
)

// String returns the kind name for logs.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamPermanent:
		return "upstream_permanent"
	case KindCacheCorruption:
		return "cache_corruption"
	default:
		return "unknown"
	}
}

// Error is the normalised gateway error. Backends wrap their native
// failures in an Error before anything reaches the stream server.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a gateway error of the given kind.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the ErrorKind of err, or KindUnknown when err is not a
// gateway error.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return IsKind(err, KindUpstreamTransient)
}
