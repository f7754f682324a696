package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/refcache"
	"github.com/unkn0wn-root/refcache/store"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	EvictionEvery    uint64
	WriteFailedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictionCtr    atomic.Uint64
	writeFailedCtr atomic.Uint64
}

var _ refcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EvictionStarted(usage float64) {
	if h.l == nil {
		return
	}
	h.l.Debug("refcache.eviction_started",
		"usage", usage)
}

func (h *Hooks) EvictionFinished(r refcache.EvictionResult) {
	if h.l == nil || !sample(h.opts.EvictionEvery, &h.evictionCtr) {
		return
	}
	h.l.Info("refcache.eviction_finished",
		"expired", r.Expired,
		"evicted", r.Evicted,
		"freed", r.FreedBytes,
		"batches", r.Batches,
		"size_before", r.SizeBefore,
		"size_after", r.SizeAfter)
}

func (h *Hooks) WriteFailed(c store.Collection, key string) {
	if h.l == nil || !sample(h.opts.WriteFailedEvery, &h.writeFailedCtr) {
		return
	}
	h.l.Warn("refcache.write_failed",
		"collection", string(c),
		"key", h.redact(key))
}

func (h *Hooks) ClearSignalDropped(cacheType string) {
	if h.l == nil {
		return
	}
	if cacheType == "" {
		cacheType = "all"
	}
	h.l.Warn("refcache.clear_signal_dropped",
		"type", cacheType)
}
