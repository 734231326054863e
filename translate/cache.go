package translate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	mediagateway "github.com/wolfeidau/media-gateway"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultTTL is how long translated payloads stay valid.
	DefaultTTL = 7 * 24 * time.Hour

	// compressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it below this.
	compressionThreshold = 2048

	// maxDecompressedSize is the hard cap during decompression.
	maxDecompressedSize = 10 * 1024 * 1024

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

var bucketTranslations = []byte("translations")

// record is the stored form of one translated payload.
type record struct {
	Payload   []byte    `json:"payload"`
	Encoding  string    `json:"encoding"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache stores translated subtitle payloads keyed by source-content hash
// plus target language, zstd-compressed when that pays off.
type Cache struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// CacheOption configures the cache.
type CacheOption func(*Cache)

// WithCacheTTL sets the entry TTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCacheNow sets the clock, for tests.
func WithCacheNow(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// OpenCache opens (or creates) the translation cache database.
func OpenCache(path string, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening translation cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTranslations)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating translation bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c.db = db
	c.encoder = enc
	c.decoder = dec
	return c, nil
}

// Close releases the database and codec resources.
func (c *Cache) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return c.db.Close()
}

// Key derives the cache key for a source payload and target language.
func Key(content []byte, targetLang string) string {
	return mediagateway.HashBytes(content).String() + ":" + targetLang
}

// Get returns the cached translation for a key if present and fresh.
// Expired entries are deleted on sight.
func (c *Cache) Get(key string) (string, bool, error) {
	var rec *record
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTranslations).Get([]byte(key))
		if data == nil {
			return nil
		}
		rec = &record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return "", false, fmt.Errorf("reading translation cache: %w", err)
	}
	if rec == nil {
		return "", false, nil
	}

	if c.now().Sub(rec.CreatedAt) > c.ttl {
		if delErr := c.Delete(key); delErr != nil {
			c.logger.Warn("failed to drop expired translation", "key", key, "error", delErr)
		}
		return "", false, nil
	}

	payload, err := c.decode(rec)
	if err != nil {
		// Corrupt record: drop it and report a miss so the caller
		// re-translates.
		c.logger.Warn("corrupt translation record, dropping", "key", key, "error", err)
		_ = c.Delete(key)
		return "", false, nil
	}

	return string(payload), true, nil
}

// Put stores a translated payload under a key.
func (c *Cache) Put(key, content string) error {
	payload := []byte(content)
	rec := record{
		Payload:   payload,
		Encoding:  encodingIdentity,
		Size:      int64(len(payload)),
		CreatedAt: c.now(),
	}

	if len(payload) >= compressionThreshold {
		compressed := c.encoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			rec.Payload = compressed
			rec.Encoding = encodingZstd
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding translation record: %w", err)
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTranslations).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("writing translation cache: %w", err)
	}
	return nil
}

// Delete removes one entry.
func (c *Cache) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTranslations).Delete([]byte(key))
	})
}

// Prune removes all expired entries and returns how many were dropped.
// The sweeper calls this on its cycle.
func (c *Cache) Prune() (int, error) {
	cutoff := c.now().Add(-c.ttl)

	pruned := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTranslations)
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil || rec.CreatedAt.Before(cutoff) {
				if err := cur.Delete(); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("pruning translation cache: %w", err)
	}
	return pruned, nil
}

func (c *Cache) decode(rec *record) ([]byte, error) {
	switch rec.Encoding {
	case encodingIdentity, "":
		return rec.Payload, nil
	case encodingZstd:
		if rec.Size > maxDecompressedSize {
			return nil, fmt.Errorf("translation payload exceeds %d bytes", maxDecompressedSize)
		}
		out, err := c.decoder.DecodeAll(rec.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing translation payload: %w", err)
		}
		if len(out) > maxDecompressedSize {
			return nil, fmt.Errorf("translation payload exceeds %d bytes", maxDecompressedSize)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported payload encoding %q", rec.Encoding)
	}
}
