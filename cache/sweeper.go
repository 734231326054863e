package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
	"github.com/wolfeidau/media-gateway/telemetry"
)

// SweepConfig holds eviction configuration.
type SweepConfig struct {
	// TTL is the time-to-live since last access. Entries idle longer are
	// removed. Zero disables TTL-based eviction.
	TTL time.Duration

	// MaxSize is the aggregate size ceiling in bytes. When exceeded, the
	// least-recently-accessed entries are removed until under the
	// ceiling. Zero disables size-based eviction.
	MaxSize int64

	// CheckInterval is how often the sweep runs. Default is 1 hour.
	CheckInterval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// DefaultSweepConfig returns the default eviction configuration.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		TTL:           7 * 24 * time.Hour,
		MaxSize:       10 * 1024 * 1024 * 1024, // 10 GiB
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Sweeper evicts cache entries by TTL and LRU size pressure on a timer,
// never on the request path. Enumeration is one brief index read; the
// deletions themselves happen outside any directory-wide lock so request
// handling is not stalled.
type Sweeper struct {
	config  SweepConfig
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates an eviction sweeper for the given cache manager.
func NewSweeper(manager *Manager, cfg SweepConfig) *Sweeper {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		config:  cfg,
		manager: manager,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops background sweeps and waits for the current one to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	s.runOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// SweepResult contains the results of one sweep.
type SweepResult struct {
	TTLExpired     int
	LRUEvicted     int
	BytesFreed     int64
	NegativePruned int
	Errors         int
	Duration       time.Duration
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce() *SweepResult {
	return s.runOnce()
}

func (s *Sweeper) runOnce() *SweepResult {
	start := s.now()
	result := &SweepResult{}

	entries, err := s.manager.Index().List()
	if err != nil {
		s.logger.Error("failed to list cache index", "error", err)
		result.Errors++
		return result
	}

	if s.config.TTL > 0 {
		entries = s.expireByTTL(entries, result)
	}
	ttlBytes := result.BytesFreed

	if s.config.MaxSize > 0 {
		s.evictBySize(entries, result)
	}
	lruBytes := result.BytesFreed - ttlBytes

	if pruned, err := s.manager.Index().PruneNegative(); err != nil {
		s.logger.Warn("failed to prune negative cache", "error", err)
		result.Errors++
	} else {
		result.NegativePruned = pruned
	}

	result.Duration = s.now().Sub(start)

	ctx := context.Background()
	telemetry.RecordSweepCycle(ctx, "ttl", result.TTLExpired, ttlBytes)
	telemetry.RecordSweepCycle(ctx, "lru", result.LRUEvicted, lruBytes)
	telemetry.RecordSweepCycle(ctx, "negative", result.NegativePruned, 0)
	telemetry.RecordSweepDuration(ctx, result.Duration)
	if stats, err := s.manager.GetStats(); err == nil {
		telemetry.UpdateCacheState(ctx, stats.TotalSize, int(stats.TotalEntries))
	}

	if result.TTLExpired > 0 || result.LRUEvicted > 0 {
		s.logger.Info("eviction sweep complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		s.logger.Debug("eviction sweep complete, nothing to evict")
	}

	return result
}

// expireByTTL removes entries idle past the TTL and returns the survivors.
func (s *Sweeper) expireByTTL(entries []*Entry, result *SweepResult) []*Entry {
	cutoff := s.now().Add(-s.config.TTL)

	var remaining []*Entry
	for _, e := range entries {
		if !e.LastAccessed.Before(cutoff) {
			remaining = append(remaining, e)
			continue
		}
		if err := s.deleteEntry(e); err != nil {
			s.logger.Warn("failed to delete expired entry", "key", e.Key[:16], "error", err)
			result.Errors++
			remaining = append(remaining, e)
			continue
		}
		result.TTLExpired++
		result.BytesFreed += e.Size
	}
	return remaining
}

// evictBySize removes the least-recently-accessed entries until the
// aggregate size is under the ceiling.
func (s *Sweeper) evictBySize(entries []*Entry, result *SweepResult) {
	var totalSize int64
	for _, e := range entries {
		totalSize += e.Size
	}
	if totalSize <= s.config.MaxSize {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccessed.Before(entries[j].LastAccessed)
	})

	for _, e := range entries {
		if totalSize <= s.config.MaxSize {
			break
		}
		if err := s.deleteEntry(e); err != nil {
			s.logger.Warn("failed to evict entry", "key", e.Key[:16], "error", err)
			result.Errors++
			continue
		}
		result.LRUEvicted++
		result.BytesFreed += e.Size
		totalSize -= e.Size
	}
}

func (s *Sweeper) deleteEntry(e *Entry) error {
	key, err := mediagateway.ParseCacheKey(e.Key)
	if err != nil {
		return err
	}
	path := s.manager.EntryPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Drop the now-empty shard directory opportunistically.
	_ = os.Remove(filepath.Dir(path))
	return s.manager.Index().Delete(key)
}
