// Package otter adapts an in-process otter cache to provider.Provider. It is
// the default backing store for the worker's response cache.
package otter

import (
	"context"
	"errors"
	"time"

	"github.com/maypok86/otter/v2"

	pr "github.com/unkn0wn-root/refcache/provider"
)

type Provider struct {
	c *otter.Cache[string, []byte]
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	MaxBytes  uint64        // weight limit, weighing entries by length
	MaxSize   int           // entry count limit, used when MaxBytes is 0
	ExpireTTL time.Duration // time after write; 0 = no expiry
}

func New(cfg Config) (*Provider, error) {
	if cfg.MaxBytes == 0 && cfg.MaxSize <= 0 {
		return nil, errors.New("otter: MaxBytes or MaxSize is required")
	}
	opts := &otter.Options[string, []byte]{}
	if cfg.MaxBytes > 0 {
		opts.MaximumWeight = cfg.MaxBytes
		opts.Weigher = func(k string, v []byte) uint32 { return uint32(len(k) + len(v)) }
	} else {
		opts.MaximumSize = cfg.MaxSize
	}
	if cfg.ExpireTTL > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, []byte](cfg.ExpireTTL)
	}
	c, err := otter.New(opts)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := p.c.GetIfPresent(key)
	return b, ok, nil
}

// Set ignores cost and ttl; size and expiry are configured per cache.
func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.c.Set(key, value)
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Invalidate(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.InvalidateAll()
	return nil
}
