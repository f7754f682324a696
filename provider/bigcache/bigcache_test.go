package bigcache

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/refcache/internal/testutil"
)

func TestContract(t *testing.T) {
	p, err := New(context.Background(), Config{LifeWindow: time.Hour, Shards: 16})
	if err != nil {
		t.Fatal(err)
	}
	testutil.ProviderContract(t, p)
}

func TestLen(t *testing.T) {
	p, err := New(context.Background(), Config{LifeWindow: time.Hour, Shards: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := p.Set(ctx, k, []byte(k), 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.Len(); n != 3 {
		t.Fatalf("Len=%d want 3", n)
	}
}

func TestNewRequiresLifeWindow(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
