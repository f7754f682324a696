// Package prefetch warms the cache with symbols related to the one being
// viewed, once the view has settled.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/refcache/internal/util"
	"github.com/unkn0wn-root/refcache/log"
)

const (
	defaultDebounce   = time.Second
	defaultMaxTargets = 20
)

// Fetcher is where targets go. *fetcher.Coordinator implements it.
type Fetcher interface {
	PrefetchSymbols(ctx context.Context, language, pkg string, paths []string) int
}

// Cache filters targets that are already cached. *refcache.Cache implements it.
type Cache interface {
	HasSymbol(ctx context.Context, key string) bool
}

type Options struct {
	Fetcher    Fetcher       // required
	Cache      Cache         // nil => no pre-filtering
	Debounce   time.Duration // 0 => 1s
	MaxTargets int           // 0 => 20
	Logger     log.Logger
}

type view struct {
	language, pkg, path string
}

// Scheduler is safe for concurrent use. One Scheduler follows one view.
type Scheduler struct {
	fetch    Fetcher
	cache    Cache
	debounce time.Duration
	max      int
	log      log.Logger

	mu        sync.Mutex
	cur       view
	active    bool
	data      any
	seq       uint64
	timer     *time.Timer
	attempted map[string]struct{}
	wg        sync.WaitGroup
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		fetch:     opts.Fetcher,
		cache:     opts.Cache,
		debounce:  opts.Debounce,
		max:       opts.MaxTargets,
		log:       log.OrNop(opts.Logger),
		attempted: make(map[string]struct{}),
	}
	if s.debounce <= 0 {
		s.debounce = defaultDebounce
	}
	if s.max <= 0 {
		s.max = defaultMaxTargets
	}
	return s
}

// View records that the symbol at language/pkg/path is shown with payload
// data and (re)arms the debounce timer. Moving to another symbol starts a
// new view lifetime and forgets which targets were attempted.
func (s *Scheduler) View(ctx context.Context, language, pkg, path string, data any) {
	v := view{language, pkg, path}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.cur != v {
		s.attempted = make(map[string]struct{})
	}
	s.cur, s.active, s.data = v, true, data
	s.stopTimer()
	s.seq++
	seq := s.seq
	s.wg.Add(1)
	s.timer = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		s.fire(ctx, seq)
	})
}

// Leave ends the view lifetime and cancels a pending prefetch.
func (s *Scheduler) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimer()
	s.seq++
	s.active = false
	s.data = nil
	s.attempted = make(map[string]struct{})
}

// Wait blocks until pending and in-flight batches have been handed off.
func (s *Scheduler) Wait() { s.wg.Wait() }

// stopTimer cancels a pending fire. Callers hold mu.
func (s *Scheduler) stopTimer() {
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	s.timer = nil
}

func (s *Scheduler) fire(ctx context.Context, seq uint64) {
	s.mu.Lock()
	if seq != s.seq || !s.active {
		s.mu.Unlock()
		return
	}
	v := s.cur
	targets := Candidates(v.path, s.data)
	if len(targets) > s.max {
		targets = targets[:s.max]
	}
	fresh := targets[:0]
	for _, p := range targets {
		if _, done := s.attempted[p]; done {
			continue
		}
		s.attempted[p] = struct{}{}
		fresh = append(fresh, p)
	}
	s.mu.Unlock()

	todo := fresh
	if s.cache != nil {
		todo = make([]string, 0, len(fresh))
		for _, p := range fresh {
			if !s.cache.HasSymbol(ctx, util.SymbolKey(v.language, v.pkg, p)) {
				todo = append(todo, p)
			}
		}
	}
	if len(todo) == 0 {
		return
	}
	n := s.fetch.PrefetchSymbols(ctx, v.language, v.pkg, todo)
	s.log.Debug("prefetch scheduled", log.Fields{"symbol": util.SymbolKey(v.language, v.pkg, v.path), "targets": len(todo), "requested": n})
}
