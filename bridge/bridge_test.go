package bridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/refcache/genstore"
	"github.com/unkn0wn-root/refcache/internal/testutil"
	"github.com/unkn0wn-root/refcache/provider/otter"
	"github.com/unkn0wn-root/refcache/worker"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newWorker(t *testing.T, srv *httptest.Server) *worker.Worker {
	t.Helper()
	return newWorkerGens(t, srv, nil)
}

func newWorkerGens(t *testing.T, srv *httptest.Server, gens genstore.GenStore) *worker.Worker {
	t.Helper()
	p, err := otter.New(otter.Config{MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("otter: %v", err)
	}
	w, err := worker.New(worker.Options{
		Prefix:   srv.URL + "/api/ref/",
		Provider: p,
		Gens:     gens,
		Upstream: srv.Client().Transport,
	})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return w
}

func newBridge(t *testing.T) *Bridge {
	t.Helper()
	b := New(Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := b.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return b
}

// ==============================
// Lifecycle
// ==============================

func TestFirstWorkerTakesControl(t *testing.T) {
	srv := newServer(t)
	b := newBridge(t)
	w := newWorker(t, srv)

	if err := b.Register(context.Background(), w); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if b.Controller() != w || w.State() != worker.Activated {
		t.Fatalf("controller=%v state=%s", b.Controller(), w.State())
	}
	if b.Waiting() != nil {
		t.Fatalf("unexpected waiting worker")
	}
}

func TestUpdateWaitsUntilSkipWaiting(t *testing.T) {
	srv := newServer(t)
	b := newBridge(t)
	ctx := context.Background()

	w1 := newWorker(t, srv)
	if err := b.Register(ctx, w1); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var updated []*worker.Worker
	unsub := b.OnUpdate(func(w *worker.Worker) {
		mu.Lock()
		defer mu.Unlock()
		updated = append(updated, w)
	})
	defer unsub()

	w2 := newWorker(t, srv)
	if err := b.Register(ctx, w2); err != nil {
		t.Fatal(err)
	}
	if b.Controller() != w1 || b.Waiting() != w2 || w2.State() != worker.Installed {
		t.Fatalf("w2 should wait: state=%s", w2.State())
	}
	mu.Lock()
	if len(updated) != 1 || updated[0] != w2 {
		t.Fatalf("OnUpdate calls=%d", len(updated))
	}
	mu.Unlock()

	if !b.SkipWaiting() {
		t.Fatalf("SkipWaiting not delivered")
	}
	testutil.Eventually(t, time.Second, func() bool { return b.Controller() == w2 })
	testutil.Eventually(t, time.Second, func() bool { return w1.State() == worker.Redundant })
	if b.Waiting() != nil {
		t.Fatalf("waiting should be cleared after activation")
	}
}

func TestNewerUpdateReplacesWaiting(t *testing.T) {
	srv := newServer(t)
	b := newBridge(t)
	ctx := context.Background()

	w1, w2, w3 := newWorker(t, srv), newWorker(t, srv), newWorker(t, srv)
	for _, w := range []*worker.Worker{w1, w2, w3} {
		if err := b.Register(ctx, w); err != nil {
			t.Fatal(err)
		}
	}
	if b.Waiting() != w3 || w2.State() != worker.Redundant {
		t.Fatalf("w3 should supersede w2: w2=%s", w2.State())
	}
}

// ==============================
// Messaging
// ==============================

func TestSendsWithoutControllerAreDropped(t *testing.T) {
	b := newBridge(t)
	if b.ClearCache("") || b.Prefetch([]string{"u"}) || b.RequestCacheStats() || b.SkipWaiting() {
		t.Fatalf("sends without a worker must report false")
	}
	if _, err := b.CacheStats(context.Background()); !errors.Is(err, ErrNoController) {
		t.Fatalf("err=%v want ErrNoController", err)
	}
}

func TestCacheStatsRoundTrip(t *testing.T) {
	srv := newServer(t)
	b := newBridge(t)
	w := newWorker(t, srv)
	if err := b.Register(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	hc := &http.Client{Transport: w.Transport()}
	for i := 0; i < 2; i++ {
		resp, err := hc.Get(srv.URL + "/api/ref/go/fmt/Println?format=json")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := b.CacheStats(ctx)
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	if st.Hits != 1 || st.Misses != 1 || st.Symbols.Entries != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

// stallGens holds the worker's message loop inside CLEAR_CACHE until
// release is closed.
type stallGens struct {
	*genstore.Local
	entered chan struct{}
	release chan struct{}
}

func (g *stallGens) Bump(ctx context.Context, scope string) (uint64, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Local.Bump(ctx, scope)
}

func TestCacheStatsFailsWhenControllerGoes(t *testing.T) {
	cases := []struct {
		name string
		gone func(t *testing.T, b *Bridge, w *worker.Worker)
	}{
		{"retired", func(_ *testing.T, _ *Bridge, w *worker.Worker) { w.Retire() }},
		{"replaced", func(t *testing.T, b *Bridge, _ *worker.Worker) {
			if err := b.Register(context.Background(), newWorker(t, newServer(t))); err != nil {
				t.Fatal(err)
			}
			if !b.SkipWaiting() {
				t.Fatalf("SkipWaiting not delivered")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t)
			b := newBridge(t)
			gens := &stallGens{Local: genstore.NewLocal(0), entered: make(chan struct{}, 1), release: make(chan struct{})}
			defer close(gens.release)
			w := newWorkerGens(t, srv, gens)
			if err := b.Register(context.Background(), w); err != nil {
				t.Fatal(err)
			}

			if !b.ClearCache("symbols") {
				t.Fatalf("ClearCache not delivered")
			}
			select {
			case <-gens.entered:
			case <-time.After(time.Second):
				t.Fatalf("worker never started the clear")
			}

			errc := make(chan error, 1)
			go func() {
				_, err := b.CacheStats(context.Background())
				errc <- err
			}()
			testutil.Eventually(t, time.Second, func() bool {
				b.mu.Lock()
				defer b.mu.Unlock()
				return len(b.statsWait) == 1
			})

			tc.gone(t, b, w)
			select {
			case err := <-errc:
				if !errors.Is(err, ErrNoController) {
					t.Fatalf("err=%v want ErrNoController", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("CacheStats still blocked after the controller went away")
			}
		})
	}
}

func TestSubscribeReceivesUntilUnsubscribed(t *testing.T) {
	srv := newServer(t)
	b := newBridge(t)
	w := newWorker(t, srv)
	if err := b.Register(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	got := make(chan worker.Message, 8)
	unsub := b.Subscribe(func(m worker.Message) { got <- m })

	if !b.ClearCache("symbols") {
		t.Fatalf("ClearCache not delivered")
	}
	select {
	case m := <-got:
		if m != (worker.CacheCleared{CacheType: "symbols"}) {
			t.Fatalf("message=%#v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message")
	}

	unsub()
	b.ClearCache("")
	select {
	case m := <-got:
		t.Fatalf("received after unsubscribe: %#v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrefetchDelegatedToController(t *testing.T) {
	srv := newServer(t)
	b := newBridge(t)
	w := newWorker(t, srv)
	if err := b.Register(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	if b.Prefetch(nil) {
		t.Fatalf("empty prefetch should not be sent")
	}
	if !b.Prefetch([]string{srv.URL + "/api/ref/go/fmt/Printf?format=json"}) {
		t.Fatalf("prefetch not delivered")
	}
	testutil.Eventually(t, time.Second, func() bool { return w.Stats(context.Background()).Symbols.Entries == 1 })
}

func TestTransportFollowsController(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	b := newBridge(t)
	hc := &http.Client{Transport: b.Transport(srv.Client().Transport)}
	get := func() string {
		t.Helper()
		resp, err := hc.Get(srv.URL + "/api/ref/go/fmt/Println?format=json")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.Header.Get("X-Worker-Cache")
	}

	if how := get(); how != "" {
		t.Fatalf("no controller: X-Worker-Cache=%q want empty", how)
	}
	if err := b.Register(context.Background(), newWorker(t, srv)); err != nil {
		t.Fatal(err)
	}
	get()
	if how := get(); how != "hit" {
		t.Fatalf("X-Worker-Cache=%q want hit", how)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("upstream calls=%d want 2", n)
	}
}
