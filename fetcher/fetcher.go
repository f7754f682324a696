// Package fetcher is the cache-first read path for symbol documents and
// package catalogs.
//
// A hit is returned at once. When the entry is older than StaleAfter and the
// client is online a background refresh re-fetches it, so the next read is
// fresh. A miss goes to the network when online and returns nil when not.
package fetcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/refcache/api"
	"github.com/unkn0wn-root/refcache/internal/util"
	"github.com/unkn0wn-root/refcache/log"
	"github.com/unkn0wn-root/refcache/store"
)

const (
	defaultStaleAfter  = time.Hour
	defaultConcurrency = 3
)

// Result is what a read returns. IsStale only signals that a refresh was
// due; Data is never altered.
type Result struct {
	Data      any
	FromCache bool
	CachedAt  time.Time
	IsStale   bool
	BuildID   string
}

// Kind says what an Event refreshed.
type Kind string

const (
	KindSymbol  Kind = "symbol"
	KindCatalog Kind = "catalog"
)

// Event reports a completed background refresh.
type Event struct {
	Kind   Kind
	Key    string
	Result Result
}

// Cache is the policy layer reads and writes go through. *refcache.Cache implements it.
type Cache interface {
	GetSymbol(ctx context.Context, key string) *store.Entry
	GetCatalog(ctx context.Context, key string) *store.Entry
	HasSymbol(ctx context.Context, key string) bool
	CacheSymbol(ctx context.Context, key string, data any, buildID string) bool
	CacheCatalog(ctx context.Context, key string, data any, buildID string) bool
}

// Source fetches from the network. *api.Client implements it.
type Source interface {
	Symbol(ctx context.Context, language, pkg, path string) (*api.Document, error)
	Catalog(ctx context.Context, language, pkg string) (*api.Document, error)
	SymbolURL(language, pkg, path string) string
}

// Prefetcher takes prefetch URLs off the coordinator's hands. *bridge.Bridge
// implements it; Prefetch reports false when nobody accepted them.
type Prefetcher interface {
	Prefetch(urls []string) bool
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	Online() bool
}

// AlwaysOnline is the default Connectivity.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

// Options wire a Coordinator. Cache and Source are required.
type Options struct {
	Cache  Cache
	Source Source

	Prefetcher   Prefetcher   // nil => direct batches only
	Connectivity Connectivity // nil => AlwaysOnline

	StaleAfter          time.Duration // 0 => 1h
	PrefetchConcurrency int           // direct batch fan-out; 0 => 3
	PrefetchRate        rate.Limit    // direct batch requests per second; 0 => unlimited

	Logger log.Logger
	Now    func() time.Time
}

type Coordinator struct {
	cache    Cache
	src      Source
	pf       Prefetcher
	conn     Connectivity
	stale    time.Duration
	fanout   int
	limiter  *rate.Limiter
	log      log.Logger
	now      func() time.Time
	inflight singleflight.Group
	wg       sync.WaitGroup

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func New(opts Options) (*Coordinator, error) {
	if opts.Cache == nil || opts.Source == nil {
		return nil, errors.New("fetcher: cache and source are required")
	}
	c := &Coordinator{
		cache:  opts.Cache,
		src:    opts.Source,
		pf:     opts.Prefetcher,
		conn:   opts.Connectivity,
		stale:  opts.StaleAfter,
		fanout: opts.PrefetchConcurrency,
		log:    log.OrNop(opts.Logger),
		now:    opts.Now,
		subs:   make(map[int]func(Event)),
	}
	if c.conn == nil {
		c.conn = AlwaysOnline{}
	}
	if c.stale <= 0 {
		c.stale = defaultStaleAfter
	}
	if c.fanout <= 0 {
		c.fanout = defaultConcurrency
	}
	limit := opts.PrefetchRate
	if limit <= 0 {
		limit = rate.Inf
	}
	c.limiter = rate.NewLimiter(limit, c.fanout)
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// GetSymbol reads a symbol document. It returns nil on an offline miss or a
// failed fetch.
func (c *Coordinator) GetSymbol(ctx context.Context, language, pkg, path string) *Result {
	key := util.SymbolKey(language, pkg, path)
	return c.get(ctx, KindSymbol, key,
		func(ctx context.Context) *store.Entry { return c.cache.GetSymbol(ctx, key) },
		func(ctx context.Context) (*api.Document, error) { return c.src.Symbol(ctx, language, pkg, path) },
		func(ctx context.Context, data any, buildID string) bool {
			return c.cache.CacheSymbol(ctx, key, data, buildID)
		})
}

// GetCatalog reads a package catalog.
func (c *Coordinator) GetCatalog(ctx context.Context, language, pkg string) *Result {
	key := util.CatalogKey(language, pkg)
	return c.get(ctx, KindCatalog, key,
		func(ctx context.Context) *store.Entry { return c.cache.GetCatalog(ctx, key) },
		func(ctx context.Context) (*api.Document, error) { return c.src.Catalog(ctx, language, pkg) },
		func(ctx context.Context, data any, buildID string) bool {
			return c.cache.CacheCatalog(ctx, key, data, buildID)
		})
}

type (
	readFunc  func(context.Context) *store.Entry
	fetchFunc func(context.Context) (*api.Document, error)
	writeFunc func(ctx context.Context, data any, buildID string) bool
)

func (c *Coordinator) get(ctx context.Context, kind Kind, key string, read readFunc, fetch fetchFunc, write writeFunc) *Result {
	if e := read(ctx); e != nil {
		r := &Result{
			Data:      e.Data,
			FromCache: true,
			CachedAt:  e.CachedAt,
			IsStale:   c.now().Sub(e.CachedAt) > c.stale,
			BuildID:   e.BuildID,
		}
		if r.IsStale && c.conn.Online() {
			c.refresh(ctx, kind, key, fetch, write)
		}
		return r
	}

	if !c.conn.Online() {
		return nil
	}
	r, err := c.fetch(ctx, fetch, write)
	if err != nil {
		c.logFetchError(kind, key, err)
		return nil
	}
	return r
}

func (c *Coordinator) fetch(ctx context.Context, fetch fetchFunc, write writeFunc) (*Result, error) {
	doc, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	buildID := doc.BuildID
	if buildID == "" {
		buildID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	write(ctx, doc.Data, buildID)
	return &Result{Data: doc.Data, CachedAt: now, BuildID: buildID}, nil
}

// refresh re-fetches key in the background. Concurrent refreshes of one key
// share a single fetch; failures are logged and dropped.
func (c *Coordinator) refresh(ctx context.Context, kind Kind, key string, fetch fetchFunc, write writeFunc) {
	bg := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _, _ = c.inflight.Do(string(kind)+":"+key, func() (any, error) {
			r, err := c.fetch(bg, fetch, write)
			if err != nil {
				c.logFetchError(kind, key, err)
				return nil, nil
			}
			c.publish(Event{Kind: kind, Key: key, Result: *r})
			return nil, nil
		})
	}()
}

func (c *Coordinator) logFetchError(kind Kind, key string, err error) {
	fields := log.Fields{
		"kind":      kind,
		"key":       key,
		"code":      perrors.GetCode(err),
		"retryable": perrors.IsRetryable(err),
		"err":       err,
	}
	if perrors.GetCode(err) == perrors.CodeNotFound {
		c.log.Debug("fetch failed", fields)
		return
	}
	c.log.Warn("fetch failed", fields)
}

// PrefetchSymbols warms the cache with paths of one package. Cached and
// duplicate paths are skipped. The rest go to the Prefetcher when it accepts
// them; otherwise they are fetched here, a few at a time, and individual
// failures are ignored. It returns how many paths were requested.
func (c *Coordinator) PrefetchSymbols(ctx context.Context, language, pkg string, paths []string) int {
	seen := make(map[string]struct{}, len(paths))
	todo := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if c.cache.HasSymbol(ctx, util.SymbolKey(language, pkg, p)) {
			continue
		}
		todo = append(todo, p)
	}
	if len(todo) == 0 {
		return 0
	}

	if c.pf != nil {
		urls := make([]string, len(todo))
		for i, p := range todo {
			urls[i] = c.src.SymbolURL(language, pkg, p)
		}
		if c.pf.Prefetch(urls) {
			return len(todo)
		}
	}
	if !c.conn.Online() {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanout)
	for _, p := range todo {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return nil
			}
			key := util.SymbolKey(language, pkg, p)
			_, err := c.fetch(gctx,
				func(ctx context.Context) (*api.Document, error) { return c.src.Symbol(ctx, language, pkg, p) },
				func(ctx context.Context, data any, buildID string) bool {
					return c.cache.CacheSymbol(ctx, key, data, buildID)
				})
			if err != nil {
				c.logFetchError(KindSymbol, key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(todo)
}

// Subscribe calls fn after every background refresh until the returned func
// is called. fn runs on the refresh goroutine.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator) publish(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Wait blocks until background refreshes have finished.
func (c *Coordinator) Wait() { c.wg.Wait() }
