// Package stream serves media bytes over HTTP. It resolves media ids
// through the metadata store, materialises bytes from the configured
// storage backend, and negotiates byte ranges so players can seek.
// Upstream URLs (signed object URLs, sharing-origin links) never appear
// in any response.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	mediagateway "github.com/wolfeidau/media-gateway"
	"github.com/wolfeidau/media-gateway/cache"
	"github.com/wolfeidau/media-gateway/metadata"
	"github.com/wolfeidau/media-gateway/objectstore"
	"github.com/wolfeidau/media-gateway/share"
	"github.com/wolfeidau/media-gateway/telemetry"
)

// transferChunkSize is the copy buffer size for streaming to clients.
const transferChunkSize = 256 * 1024

// DefaultSessionCookie is the cookie checked for media flagged as
// requiring a logged-in session.
const DefaultSessionCookie = "session"

// MetadataStore is the subset of the metadata store the handler needs.
type MetadataStore interface {
	Resolve(ctx context.Context, id uuid.UUID) (*metadata.Descriptor, error)
	GetSubtitle(ctx context.Context, id uuid.UUID) (*metadata.Subtitle, error)
	IncrementViews(ctx context.Context, id uuid.UUID)
}

// Handler serves GET/HEAD /stream/{id} and GET /subtitle/{id}.
type Handler struct {
	meta          MetadataStore
	cache         *cache.Manager
	share         *share.Client
	objects       *objectstore.Client
	siteHost      string
	localRoot     string
	sessionCookie string
	logger        *slog.Logger
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithSiteHost sets the host requests must originate from. Empty
// disables the origin gate.
func WithSiteHost(host string) HandlerOption {
	return func(h *Handler) {
		h.siteHost = host
	}
}

// WithLocalRoot confines Local backend locators to a library root
// directory. Empty treats locators as absolute paths.
func WithLocalRoot(root string) HandlerOption {
	return func(h *Handler) {
		h.localRoot = root
	}
}

// WithSessionCookie sets the cookie name checked for session-gated media.
func WithSessionCookie(name string) HandlerOption {
	return func(h *Handler) {
		h.sessionCookie = name
	}
}

// NewHandler creates a stream handler wired to the given backends.
func NewHandler(meta MetadataStore, cacheMgr *cache.Manager, shareClient *share.Client, objects *objectstore.Client, opts ...HandlerOption) *Handler {
	h := &Handler{
		meta:          meta,
		cache:         cacheMgr,
		share:         shareClient,
		objects:       objects,
		sessionCookie: DefaultSessionCookie,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// source is the materialised view of one media item: a known size plus a
// way to open the bytes for an optional span.
type source struct {
	size        int64
	contentType string
	open        func(ctx context.Context, br *ByteRange) (io.ReadCloser, error)
}

// Stream handles GET and HEAD /stream/{id}.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stream")

	if !checkOrigin(r, h.siteHost) {
		h.logger.Warn("stream rejected by origin gate",
			"path", r.URL.Path,
			"referer", r.Header.Get("Referer"),
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	desc, err := h.meta.Resolve(r.Context(), id)
	if err != nil {
		status, msg := statusFor(err)
		http.Error(w, msg, status)
		return
	}

	telemetry.SetBackend(r, string(desc.Backend))

	if desc.RequiresSession && !h.hasSession(r) {
		h.logger.Warn("stream rejected, session required",
			"media_id", id,
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	src, err := h.materialize(r, desc)
	if err != nil {
		h.logger.Error("failed to materialize media",
			"media_id", id,
			"backend", desc.Backend,
			"error", err,
		)
		status, msg := statusFor(err)
		http.Error(w, msg, status)
		return
	}

	br, err := ParseRange(r.Header.Get("Range"), src.size)
	if err != nil {
		w.Header().Set("Content-Range", UnsatisfiedContentRange(src.size))
		http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	status := http.StatusOK
	length := src.size
	if br != nil {
		status = http.StatusPartialContent
		length = br.Length()
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", src.contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if br != nil {
		w.Header().Set("Content-Range", br.ContentRange(src.size))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	body, err := src.open(r.Context(), br)
	if err != nil {
		status, msg := statusFor(err)
		http.Error(w, msg, status)
		return
	}
	defer func() { _ = body.Close() }()

	w.WriteHeader(status)

	buf := make([]byte, transferChunkSize)
	sent, err := io.CopyBuffer(w, io.LimitReader(body, length), buf)
	if err != nil {
		// Client went away mid-transfer. The cache entry, if any, is
		// already complete on disk and unaffected.
		h.logger.Debug("stream transfer aborted",
			"media_id", id,
			"bytes_sent", sent,
			"error", err,
		)
		return
	}

	h.bookkeep(r.Context(), desc, br)
}

// bookkeep runs post-transfer accounting: view counting on playback
// start, and a cache access-time touch for proxy-cached media.
func (h *Handler) bookkeep(ctx context.Context, desc *metadata.Descriptor, br *ByteRange) {
	detached := context.WithoutCancel(ctx)

	if br == nil || br.Start == 0 {
		go h.meta.IncrementViews(detached, desc.ID)
	}

	if desc.Backend == mediagateway.BackendRemoteShare {
		key := desc.CacheKey()
		go func() {
			if err := h.cache.Touch(key); err != nil {
				h.logger.Warn("cache touch failed", "key", key.ShortString(), "error", err)
			}
		}()
	}
}

// materialize turns a descriptor into an openable byte source for the
// backend it names.
func (h *Handler) materialize(r *http.Request, desc *metadata.Descriptor) (*source, error) {
	switch desc.Backend {
	case mediagateway.BackendLocal:
		return h.localSource(desc)
	case mediagateway.BackendObjectStorage:
		return h.objectSource(r.Context(), desc)
	case mediagateway.BackendRemoteShare:
		return h.remoteSource(r, desc)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", desc.Backend)
	}
}

func (h *Handler) localSource(desc *metadata.Descriptor) (*source, error) {
	path, err := h.localPath(desc.Locator)
	if err != nil {
		return nil, err
	}
	return fileSource(path, desc.MimeType)
}

// localPath resolves a Local locator, confining it to the library root
// when one is configured.
func (h *Handler) localPath(locator string) (string, error) {
	if h.localRoot == "" {
		return locator, nil
	}
	path := filepath.Join(h.localRoot, filepath.FromSlash(locator))
	rel, err := filepath.Rel(h.localRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", mediagateway.NewError(mediagateway.KindNotFound, "media path escapes library root", nil)
	}
	return path, nil
}

func (h *Handler) objectSource(ctx context.Context, desc *metadata.Descriptor) (*source, error) {
	size := desc.DeclaredSize
	contentType := desc.MimeType
	if size <= 0 {
		var err error
		var ct string
		size, ct, err = h.objects.Stat(ctx, desc.Locator)
		if err != nil {
			return nil, err
		}
		if contentType == "" {
			contentType = ct
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := desc.Locator
	return &source{
		size:        size,
		contentType: contentType,
		open: func(ctx context.Context, br *ByteRange) (io.ReadCloser, error) {
			rangeHeader := ""
			if br != nil {
				rangeHeader = br.Header()
			}
			body, _, err := h.objects.Open(ctx, key, rangeHeader)
			return body, err
		},
	}, nil
}

// remoteSource serves RemoteShare media through the proxy cache. The
// fetch path goes through the cache's single-flight download, so a cold
// entry is pulled from the sharing origin exactly once regardless of how
// many viewers arrive together.
func (h *Handler) remoteSource(r *http.Request, desc *metadata.Descriptor) (*source, error) {
	key := desc.CacheKey()

	result := telemetry.CacheMiss
	if _, err := os.Stat(h.cache.EntryPath(key)); err == nil {
		result = telemetry.CacheHit
	}

	fileID := desc.Locator
	path, err := h.cache.GetOrFetch(r.Context(), key, func(ctx context.Context) (*cache.Source, error) {
		res, fetchErr := h.share.Fetch(ctx, fileID)
		if fetchErr != nil {
			return nil, fetchErr
		}
		return &cache.Source{Body: res.Body, Size: res.Size}, nil
	})
	if err != nil {
		if errors.Is(err, cache.ErrNegativeCached) {
			result = telemetry.CacheNegative
		}
		telemetry.SetCacheResult(r, result)
		telemetry.RecordCacheLookup(r.Context(), result)
		return nil, err
	}

	telemetry.SetCacheResult(r, result)
	telemetry.RecordCacheLookup(r.Context(), result)

	return fileSource(path, desc.MimeType)
}

// Subtitle handles GET /subtitle/{id}, serving stored subtitle tracks.
func (h *Handler) Subtitle(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "subtitle")

	if !checkOrigin(r, h.siteHost) {
		h.logger.Warn("subtitle rejected by origin gate",
			"path", r.URL.Path,
			"referer", r.Header.Get("Referer"),
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sub, err := h.meta.GetSubtitle(r.Context(), id)
	if err != nil {
		status, msg := statusFor(err)
		http.Error(w, msg, status)
		return
	}

	w.Header().Set("Content-Type", subtitleContentType(sub.Format))
	_, _ = io.WriteString(w, sub.Content)
}

func subtitleContentType(format string) string {
	if strings.EqualFold(format, "vtt") {
		return "text/vtt; charset=utf-8"
	}
	return "application/x-subrip; charset=utf-8"
}

func (h *Handler) hasSession(r *http.Request) bool {
	c, err := r.Cookie(h.sessionCookie)
	return err == nil && c.Value != ""
}

// fileSource builds a source over a regular file, used for Local media
// and Ready proxy-cache entries.
func fileSource(path, mimeType string) (*source, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, mediagateway.NewError(mediagateway.KindNotFound, "media file not found", err)
		}
		return nil, fmt.Errorf("stat media file: %w", err)
	}

	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &source{
		size:        info.Size(),
		contentType: contentType,
		open: func(_ context.Context, br *ByteRange) (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open media file: %w", err)
			}
			if br != nil {
				if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
					_ = f.Close()
					return nil, fmt.Errorf("seek media file: %w", err)
				}
			}
			return f, nil
		},
	}, nil
}

// statusFor maps resolution and upstream errors to a response status.
// Upstream failure detail stays in the logs, not the response body.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, metadata.ErrNotFound),
		mediagateway.IsKind(err, mediagateway.KindNotFound):
		return http.StatusNotFound, "not found"
	case mediagateway.IsKind(err, mediagateway.KindForbidden):
		return http.StatusForbidden, "forbidden"
	case mediagateway.IsKind(err, mediagateway.KindUpstreamTransient):
		return http.StatusServiceUnavailable, "upstream unavailable"
	case mediagateway.IsKind(err, mediagateway.KindUpstreamPermanent),
		mediagateway.IsKind(err, mediagateway.KindCacheCorruption):
		return http.StatusBadGateway, "upstream error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
