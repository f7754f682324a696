// Package bridge is the application side of the worker channel. It tracks
// which worker controls requests, hands updates over between workers and
// turns request/response messages into method calls.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/unkn0wn-root/refcache/log"
	"github.com/unkn0wn-root/refcache/worker"
)

var ErrNoController = errors.New("bridge: no active worker")

type Options struct {
	Logger log.Logger
}

// Bridge is safe for concurrent use.
type Bridge struct {
	log log.Logger

	mu         sync.Mutex
	controller *worker.Worker
	waiting    *worker.Worker
	nextID     int
	subs       map[int]func(worker.Message)
	updates    map[int]func(*worker.Worker)
	statsWait  []chan worker.Stats
	wg         sync.WaitGroup
}

func New(opts Options) *Bridge {
	return &Bridge{
		log:     log.OrNop(opts.Logger),
		subs:    make(map[int]func(worker.Message)),
		updates: make(map[int]func(*worker.Worker)),
	}
}

// Register installs w and starts its message loop. With no controller w
// activates at once and takes control. Otherwise w waits and OnUpdate
// subscribers are told a new version is ready; it activates on SkipWaiting.
func (b *Bridge) Register(ctx context.Context, w *worker.Worker) error {
	w.OnStateChange(b.stateChanged)
	w.Start(ctx)
	b.wg.Add(1)
	go b.pump(w)

	if err := w.Install(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	if b.controller == nil {
		b.mu.Unlock()
		w.Activate()
		return nil
	}
	prev := b.waiting
	b.waiting = w
	fns := make([]func(*worker.Worker), 0, len(b.updates))
	for _, fn := range b.updates {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	// a newer update supersedes one still waiting
	if prev != nil && prev != w {
		prev.Retire()
	}

	b.log.Info("worker update waiting", log.Fields{"id": w.ID()})
	for _, fn := range fns {
		fn(w)
	}
	return nil
}

func (b *Bridge) stateChanged(w *worker.Worker, s worker.State) {
	switch s {
	case worker.Activated:
		b.mu.Lock()
		old := b.controller
		b.controller = w
		if b.waiting == w {
			b.waiting = nil
		}
		if old != nil && old != w {
			b.failStats()
		}
		b.mu.Unlock()
		b.log.Info("worker controlling", log.Fields{"id": w.ID()})
		if old != nil && old != w {
			old.Retire()
		}
	case worker.Redundant:
		b.mu.Lock()
		if b.controller == w {
			b.controller = nil
			b.failStats()
		}
		if b.waiting == w {
			b.waiting = nil
		}
		b.mu.Unlock()
	}
}

// failStats releases CacheStats callers whose request went to a controller
// that is gone. Its outbox is no longer read. Callers hold mu.
func (b *Bridge) failStats() {
	for _, ch := range b.statsWait {
		close(ch)
	}
	b.statsWait = nil
}

// pump decodes w's outbox until w is retired.
func (b *Bridge) pump(w *worker.Worker) {
	defer b.wg.Done()
	for {
		select {
		case raw := <-w.Outbox():
			m, err := worker.Decode(raw)
			if err != nil {
				b.log.Warn("bad worker message", log.Fields{"id": w.ID(), "err": err})
				continue
			}
			b.dispatch(m)
		case <-w.Done():
			return
		}
	}
}

func (b *Bridge) dispatch(m worker.Message) {
	b.mu.Lock()
	if st, ok := m.(worker.CacheStats); ok {
		for _, ch := range b.statsWait {
			ch <- st.Payload // buffered(1), sent once
		}
		b.statsWait = nil
	}
	fns := make([]func(worker.Message), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

// Controller is the worker serving requests, or nil.
func (b *Bridge) Controller() *worker.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.controller
}

// Transport routes requests through the controlling worker, or through
// fallback (nil => http.DefaultTransport) while there is none.
func (b *Bridge) Transport(fallback http.RoundTripper) http.RoundTripper {
	if fallback == nil {
		fallback = http.DefaultTransport
	}
	return roundTripper(func(req *http.Request) (*http.Response, error) {
		if w := b.Controller(); w != nil {
			return w.Transport().RoundTrip(req)
		}
		return fallback.RoundTrip(req)
	})
}

type roundTripper func(*http.Request) (*http.Response, error)

func (f roundTripper) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Waiting is an installed worker waiting to take over, or nil.
func (b *Bridge) Waiting() *worker.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}

// SkipWaiting tells the waiting worker to activate now.
func (b *Bridge) SkipWaiting() bool {
	return post(b.Waiting(), worker.SkipWaiting{}, b.log)
}

func (b *Bridge) send(m worker.Message) bool {
	ok := post(b.Controller(), m, b.log)
	if !ok {
		b.log.Debug("message dropped", log.Fields{"type": m.Type()})
	}
	return ok
}

func post(w *worker.Worker, m worker.Message, l log.Logger) bool {
	if w == nil {
		return false
	}
	raw, err := worker.Encode(m)
	if err != nil {
		l.Error("encode message failed", log.Fields{"type": m.Type(), "err": err})
		return false
	}
	return w.Post(raw)
}

// ClearCache asks the controller to drop cached responses of cacheType
// ("" = all). It reports whether the message was delivered.
func (b *Bridge) ClearCache(cacheType string) bool {
	return b.send(worker.ClearCache{CacheType: cacheType})
}

// Prefetch asks the controller to fetch and cache urls in the background.
func (b *Bridge) Prefetch(urls []string) bool {
	if len(urls) == 0 {
		return false
	}
	return b.send(worker.Prefetch{URLs: urls})
}

// RequestCacheStats asks for stats; the reply reaches Subscribe callbacks.
func (b *Bridge) RequestCacheStats() bool {
	return b.send(worker.GetCacheStats{})
}

// CacheStats requests stats and waits for the reply. It fails with
// ErrNoController when the controller is retired or replaced first.
func (b *Bridge) CacheStats(ctx context.Context) (worker.Stats, error) {
	ch := make(chan worker.Stats, 1)
	b.mu.Lock()
	b.statsWait = append(b.statsWait, ch)
	b.mu.Unlock()

	if !b.RequestCacheStats() {
		b.forget(ch)
		return worker.Stats{}, ErrNoController
	}
	select {
	case s, ok := <-ch:
		if !ok {
			return worker.Stats{}, ErrNoController
		}
		return s, nil
	case <-ctx.Done():
		b.forget(ch)
		return worker.Stats{}, ctx.Err()
	}
}

func (b *Bridge) forget(ch chan worker.Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.statsWait {
		if c == ch {
			b.statsWait = append(b.statsWait[:i], b.statsWait[i+1:]...)
			return
		}
	}
}

// Subscribe calls fn for every message from any registered worker until the
// returned func is called.
func (b *Bridge) Subscribe(fn func(worker.Message)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// OnUpdate calls fn when a new worker is installed and waiting.
func (b *Bridge) OnUpdate(fn func(*worker.Worker)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.updates[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.updates, id)
	}
}

// Close retires every worker and waits for the pumps to exit.
func (b *Bridge) Close(ctx context.Context) error {
	for _, w := range []*worker.Worker{b.Waiting(), b.Controller()} {
		if w != nil {
			w.Retire()
		}
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
