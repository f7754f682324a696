package testutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/unkn0wn-root/refcache/provider"
)

// ProviderContract exercises the behavior every provider.Provider shares.
// p must be empty and is closed on return.
func ProviderContract(t *testing.T, p provider.Provider) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := p.Get(ctx, "resp:symbols:missing"); ok || err != nil {
		t.Fatalf("Get(missing) ok=%v err=%v", ok, err)
	}

	val := []byte("frame")
	ok, err := p.Set(ctx, "resp:symbols:a", val, 0, 0)
	if err != nil || !ok {
		t.Fatalf("Set ok=%v err=%v", ok, err)
	}
	got, ok, err := p.Get(ctx, "resp:symbols:a")
	if err != nil || !ok || !bytes.Equal(got, val) {
		t.Fatalf("Get=%q,%v,%v want %q", got, ok, err, val)
	}

	if _, err := p.Set(ctx, "resp:symbols:a", []byte("newer"), 0, 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _, _ := p.Get(ctx, "resp:symbols:a"); string(got) != "newer" {
		t.Fatalf("after overwrite Get=%q want newer", got)
	}

	if err := p.Del(ctx, "resp:symbols:a"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "resp:symbols:a"); ok {
		t.Fatalf("entry survived Del")
	}
	if err := p.Del(ctx, "resp:symbols:never"); err != nil {
		t.Fatalf("Del(missing)=%v want nil", err)
	}

	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
