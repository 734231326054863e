package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
	"github.com/wolfeidau/media-gateway/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	// IndexFileName is the bbolt index file kept inside the cache root.
	IndexFileName = "index.db"

	// DefaultNegativeTTL is how long a durable upstream failure is
	// remembered before a refetch is allowed.
	DefaultNegativeTTL = 15 * time.Minute

	// copyChunkSize is the buffer size for streaming upstream bytes to
	// disk; media files are large and must never be buffered whole.
	copyChunkSize = 256 * 1024

	tempPrefix = ".tmp-"
)

// ErrNegativeCached wraps failures served from the negative cache, so
// callers can distinguish a remembered upstream failure from a fresh one.
var ErrNegativeCached = errors.New("negative-cached upstream failure")

func isTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// Source is one open upstream byte stream to admit into the cache.
// Size is the upstream-declared length, or -1 when unknown.
type Source struct {
	Body io.ReadCloser
	Size int64
}

// FetchFunc downloads from upstream. The context passed in is detached
// from any single request so that one caller timing out does not cancel
// the download for other waiters.
type FetchFunc func(ctx context.Context) (*Source, error)

// Manager owns the on-disk proxy cache: admission, existence checks, and
// single-flight coordination per key. Eviction runs separately in the
// Sweeper.
type Manager struct {
	root        string
	index       *Index
	group       singleflight.Group
	negativeTTL time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNegativeTTL sets the negative-cache window for durable failures.
func WithNegativeTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.negativeTTL = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a cache manager rooted at the given directory.
func NewManager(root string, index *Index, opts ...ManagerOption) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving cache root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}

	m := &Manager{
		root:        absRoot,
		index:       index,
		negativeTTL: DefaultNegativeTTL,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.root
}

// Index returns the cache index.
func (m *Manager) Index() *Index {
	return m.index
}

// EntryPath returns the on-disk path for a key, whether or not the entry
// exists.
func (m *Manager) EntryPath(key mediagateway.CacheKey) string {
	return filepath.Join(m.root, filepath.FromSlash(key.RelPath()))
}

// GetOrFetch returns the path to a Ready cache file for the key, fetching
// from upstream on miss. Concurrent callers for the same key block on one
// in-flight fetch; all waiters receive the same path or the same error.
// A caller whose context expires stops waiting but the download continues
// for the others.
func (m *Manager) GetOrFetch(ctx context.Context, key mediagateway.CacheKey, fetch FetchFunc) (string, error) {
	// Durable failures inside their negative-cache window fail fast.
	if msg, active, err := m.index.GetNegative(key); err != nil {
		return "", fmt.Errorf("checking negative cache: %w", err)
	} else if active {
		return "", mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("negative-cached: %s", msg), ErrNegativeCached)
	}

	if path, ok := m.lookup(key); ok {
		go func() { _ = m.index.Touch(key) }()
		return path, nil
	}

	ch := m.group.DoChan(key.String(), func() (any, error) {
		// Detached context: no single caller's cancellation stops the
		// download for everyone else.
		return m.download(context.WithoutCancel(ctx), key, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.group.Forget(key.String())
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Touch updates the last-access time for a key. Used by the stream server
// for post-transfer bookkeeping.
func (m *Manager) Touch(key mediagateway.CacheKey) error {
	return m.index.Touch(key)
}

// GetStats returns aggregate cache statistics.
func (m *Manager) GetStats() (*Stats, error) {
	return m.index.GetStats()
}

// lookup checks for a Ready file, validating its size against the index
// record. A mismatch means a corrupt entry: it is invalidated so the
// caller falls through to a fresh fetch.
func (m *Manager) lookup(key mediagateway.CacheKey) (string, bool) {
	path := m.EntryPath(key)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	entry, err := m.index.Get(key)
	if err != nil {
		m.logger.Warn("cache index read failed", "key", key.ShortString(), "error", err)
		return path, true
	}
	if entry != nil && entry.Size != info.Size() {
		m.logger.Warn("cache entry size mismatch, invalidating",
			"key", key.ShortString(),
			"indexed_size", entry.Size,
			"disk_size", info.Size(),
		)
		m.invalidate(key)
		return "", false
	}
	return path, true
}

// invalidate removes a corrupt entry from disk and index.
func (m *Manager) invalidate(key mediagateway.CacheKey) {
	if err := os.Remove(m.EntryPath(key)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove corrupt cache file", "key", key.ShortString(), "error", err)
	}
	if err := m.index.Delete(key); err != nil {
		m.logger.Warn("failed to drop corrupt index entry", "key", key.ShortString(), "error", err)
	}
}

// download fetches from upstream and admits the result. The file becomes
// visible under its final name only after the full stream has been
// written, synced, and renamed into place, so a crash mid-download never
// exposes a partial file as Ready.
func (m *Manager) download(ctx context.Context, key mediagateway.CacheKey, fetch FetchFunc) (string, error) {
	// Another waiter may have admitted the entry while this call was
	// queued behind the singleflight lock.
	if path, ok := m.lookup(key); ok {
		return path, nil
	}

	src, err := fetch(ctx)
	if err != nil {
		if mediagateway.IsKind(err, mediagateway.KindUpstreamPermanent) {
			until := m.now().Add(m.negativeTTL)
			if negErr := m.index.PutNegative(key, err.Error(), until); negErr != nil {
				m.logger.Warn("failed to record negative cache entry", "key", key.ShortString(), "error", negErr)
			}
		}
		return "", err
	}
	defer func() { _ = src.Body.Close() }()

	path, sum, err := m.admit(key, src)
	if err != nil {
		return "", err
	}

	if err := m.index.Put(key, src.Size, sum); err != nil {
		m.logger.Warn("failed to index cache entry", "key", key.ShortString(), "error", err)
	}
	_ = m.index.DeleteNegative(key)

	telemetry.RecordCacheAdmission(ctx, src.Size)

	m.logger.Info("cache entry admitted", "key", key.ShortString(), "size", src.Size)
	return path, nil
}

// admit streams the source to a temp file and renames it into place,
// hashing the bytes as they pass so the index can record a content hash
// for later verification. On success src.Size is updated to the actual
// byte count when the upstream did not declare one.
func (m *Manager) admit(key mediagateway.CacheKey, src *Source) (string, mediagateway.Hash, error) {
	path := m.EntryPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", mediagateway.Hash{}, fmt.Errorf("creating cache shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", mediagateway.Hash{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hw := mediagateway.NewHashingWriter(tmp)
	buf := make([]byte, copyChunkSize)
	n, err := io.CopyBuffer(hw, src.Body, buf)
	if err != nil {
		return "", mediagateway.Hash{}, mediagateway.NewError(mediagateway.KindUpstreamTransient, "streaming upstream to cache", err)
	}

	// An upstream that declared a length and delivered fewer bytes sent a
	// truncated stream; never admit it.
	if src.Size > 0 && n != src.Size {
		return "", mediagateway.Hash{}, mediagateway.NewError(mediagateway.KindUpstreamTransient,
			fmt.Sprintf("upstream stream truncated: expected %d bytes, got %d", src.Size, n), nil)
	}
	src.Size = n

	if err := tmp.Sync(); err != nil {
		return "", mediagateway.Hash{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", mediagateway.Hash{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", mediagateway.Hash{}, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return path, hw.Sum(), nil
}

// Verify re-hashes an entry's file and compares it against the hash
// recorded at admission, invalidating the entry on mismatch. Entries
// adopted by a rebuild have no recorded hash and are reported valid.
// This is a maintenance operation, not part of the request path.
func (m *Manager) Verify(key mediagateway.CacheKey) (bool, error) {
	entry, err := m.index.Get(key)
	if err != nil {
		return false, fmt.Errorf("reading index entry: %w", err)
	}
	if entry == nil || entry.ContentHash.IsZero() {
		return true, nil
	}

	f, err := os.Open(m.EntryPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.invalidate(key)
			return false, nil
		}
		return false, fmt.Errorf("opening cache entry: %w", err)
	}
	defer func() { _ = f.Close() }()

	sum, _, err := mediagateway.HashReader(f)
	if err != nil {
		return false, fmt.Errorf("hashing cache entry: %w", err)
	}
	if sum != entry.ContentHash {
		m.logger.Warn("cache entry hash mismatch, invalidating",
			"key", key.ShortString(),
			"indexed_hash", entry.ContentHash.ShortString(),
			"disk_hash", sum.ShortString(),
		)
		m.invalidate(key)
		return false, nil
	}
	return true, nil
}

// Open opens a Ready cache file for reading. Callers that already hold a
// path from GetOrFetch can open it directly; this helper exists for tests
// and tooling.
func (m *Manager) Open(key mediagateway.CacheKey) (*os.File, error) {
	f, err := os.Open(m.EntryPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, mediagateway.NewError(mediagateway.KindNotFound, "cache entry not found", err)
		}
		return nil, fmt.Errorf("opening cache entry: %w", err)
	}
	return f, nil
}
