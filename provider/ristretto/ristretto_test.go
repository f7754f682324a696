package ristretto

import (
	"context"
	"testing"

	"github.com/unkn0wn-root/refcache/internal/testutil"
)

func newProvider(t *testing.T, metrics bool) *Provider {
	t.Helper()
	p, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64, Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestContract(t *testing.T) {
	testutil.ProviderContract(t, newProvider(t, false))
}

func TestMetricsCountHits(t *testing.T) {
	p := newProvider(t, true)
	defer p.Close(context.Background())
	ctx := context.Background()

	if _, err := p.Set(ctx, "k", []byte("v"), 0, 0); err != nil {
		t.Fatal(err)
	}
	p.Get(ctx, "k")
	p.Get(ctx, "absent")
	if m := p.Metrics(); m.Hits() != 1 || m.Misses() != 1 {
		t.Fatalf("hits=%d misses=%d want 1/1", m.Hits(), m.Misses())
	}
}

func TestNewRejectsZeroConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
