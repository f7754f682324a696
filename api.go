package refcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/refcache/store"
)

// Backend is the storage the Cache applies policy to. *store.Store implements it.
type Backend interface {
	Set(ctx context.Context, c store.Collection, key string, data any, buildID string) bool
	Get(ctx context.Context, c store.Collection, key string) *store.Entry
	Has(ctx context.Context, c store.Collection, key string) bool
	Delete(ctx context.Context, c store.Collection, key string) bool
	Stats(ctx context.Context) store.Stats
	LRUEntries(ctx context.Context, limit int) []store.Ref
	DeleteByKeys(ctx context.Context, refs []store.Ref) int64
	DeleteOlderThan(ctx context.Context, t time.Time) int
	DeleteByBuild(ctx context.Context, buildID string) int
	Clear(ctx context.Context) bool
	ClearCollection(ctx context.Context, c store.Collection) bool
}

// ClearSignaler forwards clear requests to the HTTP worker cache.
// ClearCache reports whether the signal was delivered. cacheType "" means all.
type ClearSignaler interface {
	ClearCache(cacheType string) bool
}

// Config is the quota policy. Zero fields take defaults.
type Config struct {
	MaxSizeBytes      int64         // 0 => 50 MiB
	EvictionThreshold float64       // usage ratio that triggers eviction on write; 0 => 0.9
	EvictionTarget    float64       // usage ratio eviction stops at; 0 => 0.7
	TTL               time.Duration // max time since last access; 0 => 7d
	CleanupInterval   time.Duration // background eviction period; 0 => 1h, <0 disables
}

// Options wire a Cache. Only Backend is required.
type Options struct {
	Config  Config
	Backend Backend

	Signaler ClearSignaler    // nil => clears are local only
	Logger   Logger           // nil => NopLogger
	Hooks    Hooks            // nil => NopHooks
	Now      func() time.Time // nil => time.Now
}

// Stats is the quota view of the store.
type Stats struct {
	SymbolCount    int
	CatalogCount   int
	TotalSizeBytes int64
	MaxSizeBytes   int64
	UsagePercent   float64 // clamped to [0,100]
	IsNearCapacity bool    // total/max >= EvictionThreshold
	OldestEntry    time.Time
	NewestEntry    time.Time
}

// EvictionResult describes one eviction pass.
type EvictionResult struct {
	Expired    int   // entries removed by the TTL sweep
	Evicted    int   // entries removed by LRU batches
	FreedBytes int64 // bytes reported freed by LRU batches
	Batches    int
	SizeBefore int64
	SizeAfter  int64
}
