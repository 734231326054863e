package translate

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...CacheOption) *Cache {
	t.Helper()

	c, err := OpenCache(filepath.Join(t.TempDir(), "translations.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key([]byte("hello"), "fr")
	k2 := Key([]byte("hello"), "fr")
	require.Equal(t, k1, k2)
	require.True(t, strings.HasSuffix(k1, ":fr"))
}

func TestKey_VariesByContentAndLanguage(t *testing.T) {
	base := Key([]byte("hello"), "fr")
	require.NotEqual(t, base, Key([]byte("hello!"), "fr"))
	require.NotEqual(t, base, Key([]byte("hello"), "de"))
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t)

	key := Key([]byte("source"), "fr")
	require.NoError(t, c.Put(key, "translated payload"))

	got, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "translated payload", got)
}

func TestCache_Miss(t *testing.T) {
	c := newTestCache(t)

	_, ok, err := c.Get(Key([]byte("never stored"), "fr"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_LargePayloadRoundtrip(t *testing.T) {
	c := newTestCache(t)

	// Well over the compression threshold and highly compressible.
	payload := strings.Repeat("00:00:01,000 --> 00:00:02,000\nBonjour tout le monde.\n\n", 500)
	key := Key([]byte("big source"), "fr")

	require.NoError(t, c.Put(key, payload))

	got, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestCache_Expiry(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(t, WithCacheNow(func() time.Time { return current }))

	key := Key([]byte("source"), "fr")
	require.NoError(t, c.Put(key, "translated"))

	// Still fresh just inside the TTL.
	current = current.Add(DefaultTTL - time.Minute)
	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale past the TTL: treated as a miss and dropped.
	current = current.Add(2 * time.Minute)
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	// Gone even if the clock rolls back.
	current = current.Add(-time.Hour)
	_, ok, err = c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_Prune(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(t, WithCacheNow(func() time.Time { return current }))

	require.NoError(t, c.Put(Key([]byte("old"), "fr"), "stale"))

	current = current.Add(DefaultTTL + time.Hour)
	require.NoError(t, c.Put(Key([]byte("new"), "fr"), "fresh"))

	pruned, err := c.Prune()
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, ok, err := c.Get(Key([]byte("new"), "fr"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCache_Delete(t *testing.T) {
	c := newTestCache(t)

	key := Key([]byte("source"), "fr")
	require.NoError(t, c.Put(key, "translated"))
	require.NoError(t, c.Delete(key))

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}
