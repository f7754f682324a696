package prefetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/refcache/internal/testutil"
)

type call struct {
	Language, Pkg string
	Paths         []string
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeFetcher) PrefetchSymbols(_ context.Context, language, pkg string, paths []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{language, pkg, append([]string(nil), paths...)})
	return len(paths)
}

func (f *fakeFetcher) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type setCache map[string]bool

func (c setCache) HasSymbol(_ context.Context, key string) bool { return c[key] }

func payload(members ...string) map[string]any {
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = map[string]any{"name": m, "kind": "method"}
	}
	return map[string]any{"members": ms}
}

func newScheduler(t *testing.T, optsOpt func(*Options)) (*Scheduler, *fakeFetcher) {
	t.Helper()
	f := &fakeFetcher{}
	opts := Options{Fetcher: f, Debounce: 20 * time.Millisecond}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	s := New(opts)
	t.Cleanup(func() {
		s.Leave()
		s.Wait()
	})
	return s, f
}

// ==============================
// Candidates
// ==============================

func TestCandidatesFromMembersBasesAndTypeRefs(t *testing.T) {
	data := map[string]any{
		"members": []any{
			map[string]any{"name": "invoke"},
			map[string]any{"name": "stream"},
			map[string]any{"name": ""},
		},
		"relations": map[string]any{
			"extends": []any{"langchain_core.language_models.BaseChatModel[AIMessage]", "Runnable", "java.util.List<String>"},
		},
		"typeRefs": []any{
			map[string]any{"name": "AIMessage"},
			map[string]any{"qualifiedName": "langchain_core.tools.Tool"},
			map[string]any{"name": "ChatOpenAI"},
		},
	}
	got := Candidates("ChatOpenAI", data)
	testutil.AssertEqual(t, got, []string{
		"ChatOpenAI.invoke",
		"ChatOpenAI.stream",
		"BaseChatModel",
		"Runnable",
		"List",
		"AIMessage",
		"Tool",
	})
}

func TestCandidatesIgnoreForeignShapes(t *testing.T) {
	for _, data := range []any{nil, "text", []any{1, 2}, map[string]any{"members": "nope"}} {
		if got := Candidates("X", data); len(got) != 0 {
			t.Fatalf("Candidates(%v)=%v want none", data, got)
		}
	}
}

// ==============================
// Scheduling
// ==============================

func TestDebounceCoalescesRapidViews(t *testing.T) {
	s, f := newScheduler(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.View(ctx, "python", "pkg", "Foo", payload("a", "b"))
		time.Sleep(2 * time.Millisecond)
	}
	s.Wait()

	testutil.AssertEqual(t, f.snapshot(), []call{{"python", "pkg", []string{"Foo.a", "Foo.b"}}})
}

func TestTargetsCappedAtMax(t *testing.T) {
	s, f := newScheduler(t, func(o *Options) { o.MaxTargets = 5 })
	members := make([]string, 30)
	for i := range members {
		members[i] = fmt.Sprintf("m%02d", i)
	}
	s.View(context.Background(), "go", "pkg", "T", payload(members...))
	s.Wait()

	calls := f.snapshot()
	if len(calls) != 1 || len(calls[0].Paths) != 5 || calls[0].Paths[0] != "T.m00" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestAttemptedPathsNotRetriedWithinView(t *testing.T) {
	s, f := newScheduler(t, nil)
	ctx := context.Background()

	s.View(ctx, "go", "pkg", "T", payload("a"))
	s.Wait()
	s.View(ctx, "go", "pkg", "T", payload("a", "b"))
	s.Wait()

	testutil.AssertEqual(t, f.snapshot(), []call{
		{"go", "pkg", []string{"T.a"}},
		{"go", "pkg", []string{"T.b"}},
	})

	// a new view lifetime forgets attempts
	s.View(ctx, "go", "pkg", "U", payload())
	s.Wait()
	s.View(ctx, "go", "pkg", "T", payload("a"))
	s.Wait()
	if calls := f.snapshot(); len(calls) != 3 {
		t.Fatalf("calls=%+v want a third call after returning to T", calls)
	}
}

func TestCachedTargetsDropped(t *testing.T) {
	cache := setCache{"go/pkg/T.a": true}
	s, f := newScheduler(t, func(o *Options) { o.Cache = cache })

	s.View(context.Background(), "go", "pkg", "T", payload("a", "b"))
	s.Wait()
	testutil.AssertEqual(t, f.snapshot(), []call{{"go", "pkg", []string{"T.b"}}})

	s.View(context.Background(), "go", "pkg", "V", payload("a"))
	s.Wait()
	if n := len(f.snapshot()); n != 2 {
		t.Fatalf("calls=%d want 2", n)
	}
}

func TestLeaveCancelsPending(t *testing.T) {
	s, f := newScheduler(t, func(o *Options) { o.Debounce = 50 * time.Millisecond })
	s.View(context.Background(), "go", "pkg", "T", payload("a"))
	s.Leave()
	s.Wait()
	time.Sleep(80 * time.Millisecond)
	if calls := f.snapshot(); len(calls) != 0 {
		t.Fatalf("calls=%+v want none", calls)
	}
}
