package refcache

import "github.com/unkn0wn-root/refcache/store"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An eviction pass began. usage is total/max before the pass.
	EvictionStarted(usage float64)

	// An eviction pass finished.
	EvictionFinished(r EvictionResult)

	// The backend refused a write (storage unavailable or transaction failure).
	WriteFailed(c store.Collection, key string)

	// The worker had no active controller, so a clear signal was dropped.
	// cacheType is "" for a full clear.
	ClearSignalDropped(cacheType string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EvictionStarted(float64)              {}
func (NopHooks) EvictionFinished(EvictionResult)      {}
func (NopHooks) WriteFailed(store.Collection, string) {}
func (NopHooks) ClearSignalDropped(string)            {}
