package refcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/refcache/store"
)

const (
	defaultMaxSize         = 50 << 20
	defaultThreshold       = 0.9
	defaultTarget          = 0.7
	defaultTTL             = 7 * 24 * time.Hour
	defaultCleanupInterval = time.Hour

	evictBatch = 10
	evictKey   = "evict"
)

// Cache applies quota, TTL and LRU policy on top of a Backend.
// It is safe for concurrent use.
type Cache struct {
	backend Backend
	signal  ClearSignaler
	log     Logger
	hooks   Hooks
	now     func() time.Time

	maxSize   int64
	threshold float64
	target    float64
	ttl       time.Duration

	evictions singleflight.Group

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) (*Cache, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}

	c := &Cache{
		backend: opts.Backend,
		signal:  opts.Signaler,
		stopCh:  make(chan struct{}),
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.maxSize = coalesce[int64](opts.Config.MaxSizeBytes, defaultMaxSize)
	c.threshold = coalesce[float64](opts.Config.EvictionThreshold, defaultThreshold)
	c.target = coalesce[float64](opts.Config.EvictionTarget, defaultTarget)
	c.ttl = coalesce[time.Duration](opts.Config.TTL, defaultTTL)
	c.now = opts.Now
	if c.now == nil {
		c.now = time.Now
	}

	if c.maxSize < 0 || c.ttl < 0 {
		return nil, fmt.Errorf("%w: negative size or ttl", ErrInvalidConfig)
	}
	if c.threshold > 1 || c.target > 1 || c.threshold < 0 || c.target < 0 || c.target > c.threshold {
		return nil, fmt.Errorf("%w: need 0 < target <= threshold <= 1, got target=%v threshold=%v",
			ErrInvalidConfig, c.target, c.threshold)
	}

	interval := coalesce[time.Duration](opts.Config.CleanupInterval, defaultCleanupInterval)
	if interval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop(interval)
	}
	return c, nil
}

// Close stops the background cleanup loop and waits for pending clear
// signals. The backend is owned by the caller and left open.
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r := c.RunEviction(context.Background())
			if r.Expired > 0 || r.Evicted > 0 {
				c.log.Debug("periodic eviction", Fields{"expired": r.Expired, "evicted": r.Evicted, "freed": r.FreedBytes})
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stats reports usage against the quota.
func (c *Cache) Stats(ctx context.Context) Stats {
	s := c.backend.Stats(ctx)
	return c.stats(s)
}

func (c *Cache) stats(s store.Stats) Stats {
	ratio := c.ratio(s.TotalSize)
	return Stats{
		SymbolCount:    s.SymbolCount,
		CatalogCount:   s.CatalogCount,
		TotalSizeBytes: s.TotalSize,
		MaxSizeBytes:   c.maxSize,
		UsagePercent:   clamp(ratio*100, 0, 100),
		IsNearCapacity: ratio >= c.threshold,
		OldestEntry:    s.Oldest,
		NewestEntry:    s.Newest,
	}
}

func (c *Cache) ratio(total int64) float64 {
	if c.maxSize == 0 {
		return 0
	}
	return float64(total) / float64(c.maxSize)
}

// MaybeEvict runs an eviction pass when usage has reached the threshold.
// It reports whether a pass ran (or was joined).
func (c *Cache) MaybeEvict(ctx context.Context) bool {
	if !c.Stats(ctx).IsNearCapacity {
		return false
	}
	c.RunEviction(ctx)
	return true
}

// RunEviction sweeps entries not accessed within TTL, then removes least
// recently used entries in batches until usage is at or below the target.
// Concurrent callers join the pass already in flight and share its result.
func (c *Cache) RunEviction(ctx context.Context) EvictionResult {
	v, _, _ := c.evictions.Do(evictKey, func() (any, error) {
		return c.evict(ctx), nil
	})
	return v.(EvictionResult)
}

func (c *Cache) evict(ctx context.Context) EvictionResult {
	var r EvictionResult
	r.SizeBefore = c.backend.Stats(ctx).TotalSize
	c.hooks.EvictionStarted(c.ratio(r.SizeBefore))

	r.Expired = c.backend.DeleteOlderThan(ctx, c.now().Add(-c.ttl))

	total := c.backend.Stats(ctx).TotalSize
	goal := int64(float64(c.maxSize) * c.target)
	for total > goal {
		refs := c.backend.LRUEntries(ctx, evictBatch)
		if len(refs) == 0 {
			break
		}
		freed := c.backend.DeleteByKeys(ctx, refs)
		r.Batches++
		if freed <= 0 {
			// sizes recorded in the index no longer match what is stored
			c.log.Warn("eviction freed nothing; stopping", Fields{"batch": len(refs), "total": total})
			break
		}
		r.Evicted += len(refs)
		r.FreedBytes += freed
		total -= freed
	}

	r.SizeAfter = c.backend.Stats(ctx).TotalSize
	c.hooks.EvictionFinished(r)
	c.log.Info("eviction finished", Fields{
		"expired": r.Expired, "evicted": r.Evicted, "freed": r.FreedBytes,
		"before": r.SizeBefore, "after": r.SizeAfter,
	})
	return r
}

// CacheSymbol stores a symbol document under <language>/<package>/<path>,
// evicting first if the store is near capacity.
func (c *Cache) CacheSymbol(ctx context.Context, key string, data any, buildID string) bool {
	return c.write(ctx, store.Symbols, key, data, buildID)
}

// CacheCatalog stores a package catalog under <language>/<package>.
func (c *Cache) CacheCatalog(ctx context.Context, key string, data any, buildID string) bool {
	return c.write(ctx, store.Catalogs, key, data, buildID)
}

func (c *Cache) write(ctx context.Context, coll store.Collection, key string, data any, buildID string) bool {
	c.MaybeEvict(ctx)
	if !c.backend.Set(ctx, coll, key, data, buildID) {
		c.hooks.WriteFailed(coll, key)
		return false
	}
	return true
}

func (c *Cache) GetSymbol(ctx context.Context, key string) *store.Entry {
	return c.backend.Get(ctx, store.Symbols, key)
}

func (c *Cache) GetCatalog(ctx context.Context, key string) *store.Entry {
	return c.backend.Get(ctx, store.Catalogs, key)
}

func (c *Cache) HasSymbol(ctx context.Context, key string) bool {
	return c.backend.Has(ctx, store.Symbols, key)
}

func (c *Cache) HasCatalog(ctx context.Context, key string) bool {
	return c.backend.Has(ctx, store.Catalogs, key)
}

func (c *Cache) Delete(ctx context.Context, coll store.Collection, key string) bool {
	return c.backend.Delete(ctx, coll, key)
}

// Expired reports whether e was last accessed more than TTL ago.
func (c *Cache) Expired(e *store.Entry) bool {
	return e != nil && c.now().Sub(e.AccessedAt) > c.ttl
}

// InvalidateBuild drops every entry fetched under buildID.
func (c *Cache) InvalidateBuild(ctx context.Context, buildID string) int {
	n := c.backend.DeleteByBuild(ctx, buildID)
	if n > 0 {
		c.log.Info("invalidated build", Fields{"build": buildID, "removed": n})
	}
	return n
}

// ClearAll empties both collections and asks the worker to drop every cached
// response. The worker signal is not awaited.
func (c *Cache) ClearAll(ctx context.Context) bool {
	ok := c.backend.Clear(ctx)
	c.signalClear("")
	return ok
}

// ClearSymbols empties the symbols collection and the worker's symbol cache.
func (c *Cache) ClearSymbols(ctx context.Context) bool {
	ok := c.backend.ClearCollection(ctx, store.Symbols)
	c.signalClear(string(store.Symbols))
	return ok
}

// ClearCatalogs empties the catalogs collection and the worker's catalog cache.
func (c *Cache) ClearCatalogs(ctx context.Context) bool {
	ok := c.backend.ClearCollection(ctx, store.Catalogs)
	c.signalClear(string(store.Catalogs))
	return ok
}

func (c *Cache) signalClear(cacheType string) {
	if c.signal == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.signal.ClearCache(cacheType) {
			c.hooks.ClearSignalDropped(cacheType)
			c.log.Debug("clear signal dropped; no active worker", Fields{"type": cacheType})
		}
	}()
}
