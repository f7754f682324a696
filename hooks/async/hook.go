// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/refcache"
//	"github.com/unkn0wn-root/refcache/hooks/async"
//	"github.com/unkn0wn-root/refcache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    EvictionEvery: 10, // sample logs: ~every 10th eviction pass
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	cache, _ := refcache.New(refcache.Options{
//	    Backend: st,
//	    Hooks:   hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/refcache"
	"github.com/unkn0wn-root/refcache/store"
)

// Hooks runs inner callbacks on a worker pool. Events are dropped when the
// queue is full.
type Hooks struct {
	inner refcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ refcache.Hooks = (*Hooks)(nil)

func New(inner refcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) EvictionStarted(u float64) { h.try(func() { h.inner.EvictionStarted(u) }) }
func (h *Hooks) EvictionFinished(r refcache.EvictionResult) {
	h.try(func() { h.inner.EvictionFinished(r) })
}
func (h *Hooks) WriteFailed(c store.Collection, k string) {
	h.try(func() { h.inner.WriteFailed(c, k) })
}
func (h *Hooks) ClearSignalDropped(t string) { h.try(func() { h.inner.ClearSignalDropped(t) }) }
