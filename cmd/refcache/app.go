package main

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/http"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/unkn0wn-root/refcache"
	"github.com/unkn0wn-root/refcache/api"
	"github.com/unkn0wn-root/refcache/bridge"
	"github.com/unkn0wn-root/refcache/codec"
	"github.com/unkn0wn-root/refcache/fetcher"
	"github.com/unkn0wn-root/refcache/genstore"
	asynchook "github.com/unkn0wn-root/refcache/hooks/async"
	"github.com/unkn0wn-root/refcache/log"
	zaplog "github.com/unkn0wn-root/refcache/log/zap"
	"github.com/unkn0wn-root/refcache/prefetch"
	"github.com/unkn0wn-root/refcache/provider"
	"github.com/unkn0wn-root/refcache/provider/bigcache"
	"github.com/unkn0wn-root/refcache/provider/otter"
	"github.com/unkn0wn-root/refcache/provider/redis"
	"github.com/unkn0wn-root/refcache/provider/ristretto"
	"github.com/unkn0wn-root/refcache/sloghooks"
	"github.com/unkn0wn-root/refcache/store"
	"github.com/unkn0wn-root/refcache/worker"
)

// app owns every component for the life of one command.
type app struct {
	zap    *zap.Logger
	log    log.Logger
	hooks  *asynchook.Hooks
	store  *store.Store
	cache  *refcache.Cache
	bridge *bridge.Bridge
	prov   provider.Provider
	gens   genstore.GenStore
	redis  goredis.UniversalClient
	client *api.Client
	coord  *fetcher.Coordinator
	sched  *prefetch.Scheduler
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func slogLevel(level string) stdslog.Level {
	var l stdslog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return stdslog.LevelInfo
	}
	return l
}

func recordCodec(name string) (codec.Codec[store.Record], error) {
	if name == "cbor" {
		return codec.NewCBOR[store.Record](true)
	}
	return codec.Msgpack[store.Record]{}, nil
}

// newProvider builds the worker response cache. For redis the generation
// store is shared too, so every process sees the same clears.
func (a *app) newProvider(ctx context.Context, cfg WorkerConfig) error {
	mem := int64(cfg.Memory)
	var err error
	switch cfg.Provider {
	case "ristretto":
		a.prov, err = ristretto.New(ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     mem,
			BufferItems: 64,
		})
	case "bigcache":
		a.prov, err = bigcache.New(ctx, bigcache.Config{
			LifeWindow:         cfg.Retention,
			CleanWindow:        5 * time.Minute,
			MaxEntriesInWindow: 10000,
			MaxEntrySize:       4096,
			HardMaxCacheSizeMB: int(mem >> 20),
		})
	case "otter":
		a.prov, err = otter.New(otter.Config{MaxBytes: uint64(mem), ExpireTTL: cfg.Retention})
	case "redis":
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err = a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		a.prov, err = redis.New(redis.Config{Client: a.redis, Prefix: cfg.Redis.Prefix})
		a.gens = genstore.NewRedis(a.redis, cfg.Redis.Namespace, false)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	if err != nil {
		a.prov = nil // may hold a typed nil
	}
	return err
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	zl, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{zap: zl, log: zaplog.ZapLogger{L: zl}}
	ok := false
	defer func() {
		if !ok {
			_ = a.close(context.Background())
		}
	}()

	rc, err := recordCodec(cfg.Cache.Codec)
	if err != nil {
		return nil, err
	}
	a.store = store.Open(cfg.DB, store.Options{Codec: rc, Logger: a.log})

	sl := stdslog.New(stdslog.NewTextHandler(os.Stderr, &stdslog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}))
	a.hooks = asynchook.New(sloghooks.New(sl, sloghooks.Options{WriteFailedEvery: 10}), 1, 256)
	a.bridge = bridge.New(bridge.Options{Logger: a.log})

	a.cache, err = refcache.New(refcache.Options{
		Config: refcache.Config{
			MaxSizeBytes:      int64(cfg.Cache.MaxSize),
			EvictionThreshold: cfg.Cache.EvictionThreshold,
			EvictionTarget:    cfg.Cache.EvictionTarget,
			TTL:               cfg.Cache.TTL,
			CleanupInterval:   cfg.Cache.CleanupInterval,
		},
		Backend:  a.store,
		Signaler: a.bridge,
		Logger:   a.log,
		Hooks:    a.hooks,
	})
	if err != nil {
		return nil, err
	}

	a.client, err = api.New(cfg.API, api.Options{
		HTTP: &http.Client{Transport: a.bridge.Transport(nil), Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	if err := a.newProvider(ctx, cfg.Worker); err != nil {
		return nil, err
	}
	w, err := worker.New(worker.Options{
		Prefix:    a.client.Prefix(),
		Provider:  a.prov,
		Gens:      a.gens,
		MaxAge:    cfg.Worker.MaxAge,
		Retention: cfg.Worker.Retention,
		Precache:  cfg.Worker.Precache,
		Logger:    a.log,
	})
	if err != nil {
		return nil, err
	}
	if err := a.bridge.Register(ctx, w); err != nil {
		return nil, fmt.Errorf("install worker: %w", err)
	}

	// An in-process worker cache dies with the command, so prefetches only
	// go through the worker when its cache outlives us.
	var pf fetcher.Prefetcher
	if cfg.Worker.Provider == "redis" {
		pf = a.bridge
	}
	a.coord, err = fetcher.New(fetcher.Options{
		Cache:               a.cache,
		Source:              a.client,
		Prefetcher:          pf,
		StaleAfter:          cfg.Fetcher.StaleAfter,
		PrefetchConcurrency: cfg.Fetcher.PrefetchConcurrency,
		PrefetchRate:        rate.Limit(cfg.Fetcher.PrefetchRate),
		Logger:              a.log,
	})
	if err != nil {
		return nil, err
	}
	a.sched = prefetch.New(prefetch.Options{
		Fetcher:    a.coord,
		Cache:      a.cache,
		Debounce:   cfg.Fetcher.Debounce,
		MaxTargets: cfg.Fetcher.MaxTargets,
		Logger:     a.log,
	})
	ok = true
	return a, nil
}

// close shuts components down in reverse order of construction. Every step
// runs; the errors are joined.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.sched != nil {
		a.sched.Leave()
		a.sched.Wait()
	}
	if a.coord != nil {
		a.coord.Wait()
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close(ctx))
	}
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close(ctx))
	}
	if a.prov != nil {
		errs = append(errs, a.prov.Close(ctx))
	}
	if a.gens != nil {
		errs = append(errs, a.gens.Close(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.hooks != nil {
		a.hooks.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
	return errors.Join(errs...)
}
