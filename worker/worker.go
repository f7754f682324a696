// Package worker is an HTTP response cache that runs beside the application
// in its own goroutine. The application routes reference requests through
// Worker.Transport and talks to the worker only with Messages.
//
// Lifecycle:
//
//	installing -> installed -> activating -> activated
//	                  |                          |
//	                  +------> redundant <-------+
//
// Only an activated worker serves from its cache. An installed worker waits
// until it is activated by its bridge or receives SKIP_WAITING.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/unkn0wn-root/refcache/genstore"
	"github.com/unkn0wn-root/refcache/log"
	"github.com/unkn0wn-root/refcache/provider"
)

const (
	CacheSymbols  = "symbols"
	CacheCatalogs = "catalogs"

	defaultMaxAge    = time.Hour
	defaultRetention = 7 * 24 * time.Hour
	defaultBuffer    = 64
	defaultMaxBody   = 32 << 20
	prefetchLimit    = 3
)

var cacheTypes = [...]string{CacheSymbols, CacheCatalogs}

// State is a lifecycle stage.
type State int32

const (
	Installing State = iota
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configure a Worker. Prefix and Provider are required.
type Options struct {
	Prefix   string            // only GET requests under this URL prefix are cached
	Provider provider.Provider // response store
	Gens     genstore.GenStore // nil => genstore.Local seeded with the start time

	Upstream  http.RoundTripper // nil => http.DefaultTransport
	MaxAge    time.Duration     // cached responses younger than this skip the network; 0 => 1h
	Retention time.Duration     // provider TTL; 0 => 7d
	Precache  []string          // URLs fetched during install; any failure fails the install
	Buffer    int               // message queue length in each direction; 0 => 64
	// MaxBodySize caps the response bodies the worker caches; larger bodies
	// pass through uncached. 0 => 32 MiB.
	MaxBodySize int64

	Logger log.Logger
	Now    func() time.Time
}

type Worker struct {
	id        string
	prefix    string
	prov      provider.Provider
	gens      genstore.GenStore
	upstream  http.RoundTripper
	maxAge    time.Duration
	retention time.Duration
	maxBody   int64
	precache  []string
	log       log.Logger
	now       func() time.Time

	state    atomic.Int32
	onChange func(*Worker, State)

	in   chan []byte
	out  chan []byte
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup

	hits, misses, stale, errs atomic.Int64

	mu    sync.Mutex
	index map[string]map[string]int64 // cache type -> url -> frame bytes; pruned on lookup misses
}

func New(opts Options) (*Worker, error) {
	if opts.Prefix == "" {
		return nil, errors.New("worker: prefix is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("worker: provider is required")
	}

	w := &Worker{
		id:        uuid.NewString(),
		prefix:    opts.Prefix,
		prov:      opts.Provider,
		gens:      opts.Gens,
		upstream:  opts.Upstream,
		maxAge:    opts.MaxAge,
		retention: opts.Retention,
		maxBody:   opts.MaxBodySize,
		precache:  append([]string(nil), opts.Precache...),
		log:       log.OrNop(opts.Logger),
		now:       opts.Now,
		done:      make(chan struct{}),
		index:     make(map[string]map[string]int64, len(cacheTypes)),
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.gens == nil {
		w.gens = genstore.NewLocal(uint64(w.now().UnixNano()))
	}
	if w.upstream == nil {
		w.upstream = http.DefaultTransport
	}
	if w.maxAge <= 0 {
		w.maxAge = defaultMaxAge
	}
	if w.retention <= 0 {
		w.retention = defaultRetention
	}
	if w.maxBody <= 0 {
		w.maxBody = defaultMaxBody
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	w.in = make(chan []byte, buf)
	w.out = make(chan []byte, buf)
	for _, t := range cacheTypes {
		w.index[t] = make(map[string]int64)
	}
	w.state.Store(int32(Installing))
	return w, nil
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) State() State { return State(w.state.Load()) }

// Outbox carries encoded messages from the worker. It is never closed; stop
// reading when Done is closed.
func (w *Worker) Outbox() <-chan []byte { return w.out }

// Done is closed when the worker becomes redundant.
func (w *Worker) Done() <-chan struct{} { return w.done }

// OnStateChange registers the single lifecycle observer. Call before Start.
func (w *Worker) OnStateChange(fn func(*Worker, State)) { w.onChange = fn }

// Post queues an encoded message for the worker. It never blocks and reports
// false when the worker is gone or its queue is full.
func (w *Worker) Post(b []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.in <- b:
		return true
	default:
		return false
	}
}

func (w *Worker) emit(m Message) {
	b, err := Encode(m)
	if err != nil {
		w.log.Error("encode message failed", log.Fields{"type": m.Type(), "err": err})
		return
	}
	select {
	case w.out <- b:
	default:
		w.log.Debug("outbox full; message dropped", log.Fields{"type": m.Type()})
	}
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Debug("worker state", log.Fields{"id": w.id, "state": s.String()})
	if w.onChange != nil {
		w.onChange(w, s)
	}
}

// Start runs the message loop until ctx ends or the worker is retired.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case b := <-w.in:
				w.handle(ctx, b)
			case <-ctx.Done():
				w.Retire()
				return
			case <-w.done:
				return
			}
		}
	}()
}

// Install fetches the precache list. On failure the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	if w.State() != Installing {
		return fmt.Errorf("worker: install in state %s", w.State())
	}
	for _, u := range w.precache {
		if err := w.warm(ctx, u); err != nil {
			w.log.Warn("precache failed; install aborted", log.Fields{"url": u, "err": err})
			w.Retire()
			return fmt.Errorf("worker: precache %s: %w", u, err)
		}
	}
	w.setState(Installed)
	return nil
}

// Activate moves an installed worker to activated. It reports whether the
// transition happened.
func (w *Worker) Activate() bool {
	if !w.state.CompareAndSwap(int32(Installed), int32(Activating)) {
		return false
	}
	w.setState(Activating)
	w.setState(Activated)
	return true
}

// Retire makes the worker redundant and stops its loop. Safe to call twice.
func (w *Worker) Retire() {
	w.stop.Do(func() {
		w.setState(Redundant)
		close(w.done)
	})
}

// Wait blocks until the message loop and background prefetches have exited.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) handle(ctx context.Context, b []byte) {
	m, err := Decode(b)
	if err != nil {
		w.log.Warn("bad message", log.Fields{"err": err})
		return
	}
	switch m := m.(type) {
	case SkipWaiting:
		w.Activate()
	case GetCacheStats:
		w.emit(CacheStats{Payload: w.Stats(ctx)})
	case ClearCache:
		w.clear(ctx, m.CacheType)
		w.emit(CacheCleared{CacheType: m.CacheType})
	case Prefetch:
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.prefetch(ctx, m.URLs)
		}()
	default:
		w.log.Debug("ignoring message", log.Fields{"type": m.Type()})
	}
}

// clear bumps the generation of cacheType ("" = all), orphaning its entries.
func (w *Worker) clear(ctx context.Context, cacheType string) {
	types := cacheTypes[:]
	if cacheType != "" {
		types = []string{cacheType}
	}
	for _, t := range types {
		if _, err := w.gens.Bump(ctx, t); err != nil {
			w.log.Error("clear failed", log.Fields{"type": t, "err": err})
			continue
		}
		w.mu.Lock()
		w.index[t] = make(map[string]int64)
		w.mu.Unlock()
	}
}

// Stats snapshots counters, the per-type size index and the clear
// generations. A generation store error leaves Generations nil.
func (w *Worker) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:        w.hits.Load(),
		Misses:      w.misses.Load(),
		StaleServed: w.stale.Load(),
		Errors:      w.errs.Load(),
	}
	gens, err := w.gens.Snapshot(ctx, cacheTypes[:])
	if err != nil {
		w.log.Warn("generation snapshot failed", log.Fields{"err": err})
	} else {
		s.Generations = gens
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for t, urls := range w.index {
		ts := TypeStats{Entries: len(urls)}
		for _, n := range urls {
			ts.Bytes += n
		}
		switch t {
		case CacheSymbols:
			s.Symbols = ts
		case CacheCatalogs:
			s.Catalogs = ts
		}
	}
	return s
}

// cacheType classifies u by path depth below the prefix:
// {language}/{package} is a catalog, anything deeper a symbol.
func (w *Worker) cacheType(u string) (string, bool) {
	rest, ok := strings.CutPrefix(u, w.prefix)
	if !ok {
		return "", false
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	switch n := len(strings.Split(strings.Trim(rest, "/"), "/")); {
	case n >= 3:
		return CacheSymbols, true
	case n == 2:
		return CacheCatalogs, true
	}
	return "", false
}
