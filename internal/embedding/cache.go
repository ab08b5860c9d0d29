package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atamadata/atabot/internal/db"
)

const (
	defaultCacheSize   = 1000
	flushInterval      = 5 * time.Minute
	cleanupInterval    = 24 * time.Hour
	preloadMaxAge      = 7 * 24 * time.Hour
	cleanupMinAccesses = 5
)

type dirtyEntry struct {
	vector  []float32
	accrued int64
}

// Cache is the two-tier embedding cache: an in-memory FIFO map backed by
// the atabot.embedding_cache table. Reads are O(1) and do not reorder the
// FIFO; access counts accrue locally and reach the persistent tier on flush.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]float32
	order   []string // FIFO insertion order
	dirty   map[string]*dirtyEntry
	maxSize int
	hits    int64
	misses  int64

	gdb *gorm.DB // nil means memory-only (tests)
}

// NewCache creates a cache with the given in-memory ceiling. gdb may be nil
// for a memory-only cache.
func NewCache(maxSize int, gdb *gorm.DB) *Cache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	return &Cache{
		entries: make(map[string][]float32),
		dirty:   make(map[string]*dirtyEntry),
		maxSize: maxSize,
		gdb:     gdb,
	}
}

// Get returns the cached vector for a text hash.
func (c *Cache) Get(hash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[hash]
	if !ok {
		c.misses++
		cacheMisses.Inc()
		return nil, false
	}
	c.hits++
	cacheHits.Inc()
	c.touchLocked(hash, vec)
	return vec, true
}

// Has reports presence without counting a hit or miss.
func (c *Cache) Has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hash]
	return ok
}

// Put stores a vector under a text hash, evicting the oldest insertion when
// the ceiling is reached. Re-putting an existing hash is a no-op.
func (c *Cache) Put(hash string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[hash]; ok {
		return
	}
	c.entries[hash] = vec
	c.order = append(c.order, hash)
	c.touchLocked(hash, vec)

	for len(c.entries) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// touchLocked accrues one access for the flush. Caller holds the lock.
func (c *Cache) touchLocked(hash string, vec []float32) {
	if d, ok := c.dirty[hash]; ok {
		d.accrued++
		return
	}
	c.dirty[hash] = &dirtyEntry{vector: vec, accrued: 1}
}

// Len returns the in-memory entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters and sizes.
func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"size":     len(c.entries),
		"max_size": c.maxSize,
		"hits":     c.hits,
		"misses":   c.misses,
		"dirty":    len(c.dirty),
	}
}

// Flush upserts accrued entries into the persistent tier, advancing
// last_accessed and adding the accrued access counts.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	if c.gdb == nil {
		return 0, nil
	}

	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	records := make([]db.CacheRecord, 0, len(c.dirty))
	for hash, d := range c.dirty {
		records = append(records, db.CacheRecord{
			TextHash:    hash,
			Embedding:   toFloat64(d.vector),
			AccessCount: d.accrued,
		})
	}
	c.dirty = make(map[string]*dirtyEntry)
	c.mu.Unlock()

	err := c.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "text_hash"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_accessed": gorm.Expr("now()"),
				"access_count":  gorm.Expr(`"embedding_cache"."access_count" + "excluded"."access_count"`),
			}),
		}).
		CreateInBatches(&records, 200).Error
	if err != nil {
		return 0, fmt.Errorf("flush embedding cache: %w", err)
	}
	return len(records), nil
}

// Preload loads up to k recently-and-frequently accessed rows from the
// persistent tier into memory.
func (c *Cache) Preload(ctx context.Context, k int) (int, error) {
	if c.gdb == nil || k <= 0 {
		return 0, nil
	}
	var rows []db.CacheRecord
	err := c.gdb.WithContext(ctx).
		Select("text_hash", "embedding").
		Where("last_accessed > ?", time.Now().Add(-preloadMaxAge)).
		Order("access_count DESC, last_accessed DESC").
		Limit(k).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("preload embedding cache: %w", err)
	}

	c.mu.Lock()
	loaded := 0
	for _, r := range rows {
		if len(c.entries) >= c.maxSize {
			break
		}
		if _, ok := c.entries[r.TextHash]; ok {
			continue
		}
		c.entries[r.TextHash] = toFloat32(r.Embedding)
		c.order = append(c.order, r.TextHash)
		loaded++
	}
	c.mu.Unlock()
	return loaded, nil
}

// Cleanup deletes stale persistent rows: older than the retention window and
// rarely accessed.
func (c *Cache) Cleanup(ctx context.Context, days int) (int64, error) {
	if c.gdb == nil {
		return 0, nil
	}
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := c.gdb.WithContext(ctx).
		Where("last_accessed < ? AND access_count < ?", cutoff, cleanupMinAccesses).
		Delete(&db.CacheRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("cleanup embedding cache: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartMaintenance runs the periodic flush and daily cleanup until ctx ends.
// A final flush happens on shutdown.
func (c *Cache) StartMaintenance(ctx context.Context, retentionDays int) {
	if c.gdb == nil {
		return
	}
	go func() {
		flushTicker := time.NewTicker(flushInterval)
		cleanupTicker := time.NewTicker(cleanupInterval)
		defer flushTicker.Stop()
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if n, err := c.Flush(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Final cache flush failed")
				} else if n > 0 {
					log.Info().Int("entries", n).Msg("Final cache flush complete")
				}
				cancel()
				return
			case <-flushTicker.C:
				if n, err := c.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("Cache flush failed")
				} else if n > 0 {
					log.Debug().Int("entries", n).Msg("Cache flushed")
				}
			case <-cleanupTicker.C:
				if n, err := c.Cleanup(ctx, retentionDays); err != nil {
					log.Error().Err(err).Msg("Cache cleanup failed")
				} else if n > 0 {
					log.Info().Int64("deleted", n).Msg("Cache cleanup complete")
				}
			}
		}
	}()
}

func toFloat64(in []float32) pq.Float64Array {
	out := make(pq.Float64Array, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func toFloat32(in pq.Float64Array) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
