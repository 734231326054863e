// Package cache implements the disk-backed proxy cache: admission with an
// atomic rename protocol, single-flight coordination per key, TTL and
// size-based eviction, and short negative caching of durable upstream
// failures. The filesystem is the source of truth; the bbolt index is a
// rebuildable accelerator for last-access tracking and cold starts.
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketEntries  = []byte("entries")
	bucketNegative = []byte("negative")
)

// Entry is the index record for one Ready file under the cache root.
// ContentHash is the hash recorded at admission; it is zero for entries
// adopted by Rebuild, where the bytes were never seen in flight.
type Entry struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentHash  mediagateway.Hash `json:"content_hash"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
}

// negativeEntry records a durable fetch failure so the upstream is not
// hammered while the failure persists.
type negativeEntry struct {
	Key     string    `json:"key"`
	Message string    `json:"message"`
	Until   time.Time `json:"until"`
}

// Index tracks cache entries and negative-cache records in bbolt.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithIndexLogger sets the logger for the index.
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithIndexNow sets the time function for testing.
func WithIndexNow(now func() time.Time) IndexOption {
	return func(i *Index) {
		i.now = now
	}
}

// OpenIndex opens (or creates) the index database at the given path.
func OpenIndex(path string, opts ...IndexOption) (*Index, error) {
	idx := &Index{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketNegative} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	idx.db = db
	return idx, nil
}

// Close closes the index database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Get returns the entry for a key, or nil when the key is not indexed.
func (i *Index) Get(key mediagateway.CacheKey) (*Entry, error) {
	var entry *Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		entry = &e
		return nil
	})
	return entry, err
}

// Put records a Ready entry with the content hash computed at admission.
func (i *Index) Put(key mediagateway.CacheKey, size int64, contentHash mediagateway.Hash) error {
	now := i.now()
	entry := Entry{
		Key:          key.String(),
		Size:         size,
		ContentHash:  contentHash,
		CreatedAt:    now,
		LastAccessed: now,
	}
	return i.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key), data)
	})
}

// Touch updates the last-access time for a key. Missing keys are ignored.
func (i *Index) Touch(key mediagateway.CacheKey) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		data := b.Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		e.LastAccessed = i.now()
		updated, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		return b.Put([]byte(e.Key), updated)
	})
}

// Delete removes an entry. Idempotent.
func (i *Index) Delete(key mediagateway.CacheKey) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key.String()))
	})
}

// List returns all entries.
func (i *Index) List() ([]*Entry, error) {
	var entries []*Entry
	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				i.logger.Warn("skipping undecodable index entry", "key", string(k), "error", err)
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
	})
	return entries, err
}

// TotalSize returns the aggregate size of all indexed entries.
func (i *Index) TotalSize() (int64, error) {
	entries, err := i.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// PutNegative records a durable fetch failure until the given time.
func (i *Index) PutNegative(key mediagateway.CacheKey, message string, until time.Time) error {
	entry := negativeEntry{
		Key:     key.String(),
		Message: message,
		Until:   until,
	}
	return i.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encoding negative entry: %w", err)
		}
		return tx.Bucket(bucketNegative).Put([]byte(entry.Key), data)
	})
}

// GetNegative returns the recorded failure message for a key when its
// negative-cache window is still open. Expired records are removed lazily.
func (i *Index) GetNegative(key mediagateway.CacheKey) (string, bool, error) {
	var (
		message string
		active  bool
		expired bool
	)
	err := i.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNegative).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		var e negativeEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding negative entry: %w", err)
		}
		if i.now().Before(e.Until) {
			message = e.Message
			active = true
		} else {
			expired = true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if expired {
		if err := i.DeleteNegative(key); err != nil {
			i.logger.Warn("failed to prune expired negative entry", "key", key.ShortString(), "error", err)
		}
	}
	return message, active, nil
}

// DeleteNegative removes a negative-cache record. Idempotent.
func (i *Index) DeleteNegative(key mediagateway.CacheKey) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNegative).Delete([]byte(key.String()))
	})
}

// PruneNegative removes all expired negative-cache records. Returns the
// number pruned.
func (i *Index) PruneNegative() (int, error) {
	var stale [][]byte
	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNegative).ForEach(func(k, v []byte) error {
			var e negativeEntry
			if err := json.Unmarshal(v, &e); err != nil || !i.now().Before(e.Until) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	err = i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNegative)
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Rebuild reconciles the index against the cache root: files with no index
// record are adopted (last-access from mtime) and records whose file is
// gone are dropped. Called at startup so a deleted or stale index never
// loses cached bytes.
func (i *Index) Rebuild(root string) error {
	onDisk := map[string]int64{}
	mtimes := map[string]time.Time{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || isTempName(d.Name()) || d.Name() == IndexFileName {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key, err := mediagateway.ParseCacheRelPath(filepath.ToSlash(rel))
		if err != nil {
			i.logger.Warn("skipping unrecognised file in cache root", "path", rel)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		onDisk[key.String()] = info.Size()
		mtimes[key.String()] = info.ModTime()
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning cache root: %w", err)
	}

	entries, err := i.List()
	if err != nil {
		return err
	}

	indexed := map[string]*Entry{}
	for _, e := range entries {
		indexed[e.Key] = e
	}

	return i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		// Adopt files the index does not know about.
		for keyStr, size := range onDisk {
			if _, ok := indexed[keyStr]; ok {
				continue
			}
			e := Entry{
				Key:          keyStr,
				Size:         size,
				CreatedAt:    mtimes[keyStr],
				LastAccessed: mtimes[keyStr],
			}
			data, err := json.Marshal(&e)
			if err != nil {
				return fmt.Errorf("encoding entry: %w", err)
			}
			if err := b.Put([]byte(keyStr), data); err != nil {
				return err
			}
		}

		// Drop records whose file is gone.
		for keyStr := range indexed {
			if _, ok := onDisk[keyStr]; !ok {
				if err := b.Delete([]byte(keyStr)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Stats are aggregate cache statistics for the /stats endpoint.
type Stats struct {
	TotalEntries int64     `json:"total_entries"`
	TotalSize    int64     `json:"total_size"`
	OldestAccess time.Time `json:"oldest_access"`
	NewestAccess time.Time `json:"newest_access"`
}

// GetStats returns aggregate statistics.
func (i *Index) GetStats() (*Stats, error) {
	entries, err := i.List()
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, e := range entries {
		stats.TotalEntries++
		stats.TotalSize += e.Size
		if stats.OldestAccess.IsZero() || e.LastAccessed.Before(stats.OldestAccess) {
			stats.OldestAccess = e.LastAccessed
		}
		if e.LastAccessed.After(stats.NewestAccess) {
			stats.NewestAccess = e.LastAccessed
		}
	}
	return stats, nil
}
