// Package refcache is the policy layer of an offline-capable, bounded-size
// cache for API-reference symbol documents and package catalogs.
//
// Components:
//   - store.Store: durable bbolt-backed collections (symbols, catalogs, metadata)
//     indexed by insertion time, last-access time and build ID.
//   - Cache: quota accounting, TTL sweep and LRU eviction over a Backend.
//   - fetcher.Coordinator: cache-first fetch with stale-while-revalidate.
//   - worker.Worker / bridge.Bridge: an independent HTTP response cache and the
//     typed message channel to it.
//   - prefetch.Scheduler: debounced related-symbol prefetch.
//
// Keys:
//
//	symbols:  <language>/<package>/<symbolPath>
//	catalogs: <language>/<package>
//
// Eviction:
//
//	every run: delete entries not accessed within TTL
//	then, while usage > EvictionTarget: delete the 10 least recently used
//	entries across both collections
//
// Writes evict first when usage has reached EvictionThreshold. Concurrent
// writers share one in-flight eviction.
package refcache
