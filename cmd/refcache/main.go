// Command refcache reads reference documentation through the persistent
// cache and manages it.
//
//	refcache [flags] get <language> <package> [path]
//	refcache [flags] catalog <language> <package>
//	refcache [flags] prefetch <language> <package> <path>...
//	refcache [flags] stats | evict | worker-stats
//	refcache [flags] clear [symbols|catalogs]
//	refcache [flags] invalidate <build-id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/unkn0wn-root/refcache/fetcher"
	"github.com/unkn0wn-root/refcache/worker"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "refcache:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("refcache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "refcache.yaml", "YAML config file")
		db         = fs.String("db", "", "database path (overrides config)")
		apiURL     = fs.String("api", "", "documentation server base URL (overrides config)")
		prov       = fs.String("provider", "", "worker cache: ristretto, bigcache, otter or redis (overrides config)")
		level      = fs.String("log", "", "log level (overrides config)")
		related    = fs.Bool("related", false, "get: prefetch symbols the document links to")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: refcache [flags] <get|catalog|prefetch|stats|evict|clear|invalidate|worker-stats> [args]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := loadConfig(*configPath, explicit)
	if err != nil {
		return err
	}
	override(&cfg.DB, *db)
	override(&cfg.API, *apiURL)
	override(&cfg.Worker.Provider, *prov)
	override(&cfg.LogLevel, *level)
	if err := cfg.validate(); err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()
	if len(rest) > 0 {
		rest = rest[1:]
	}
	if !validArgs(cmd, rest) {
		fs.Usage()
		return errUsage
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := a.close(cctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return a.exec(ctx, cmd, rest, *related, stdout, stderr)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func validArgs(cmd string, args []string) bool {
	switch cmd {
	case "get":
		return len(args) == 2 || len(args) == 3
	case "catalog":
		return len(args) == 2
	case "prefetch":
		return len(args) >= 3
	case "stats", "evict", "worker-stats":
		return len(args) == 0
	case "clear":
		return len(args) == 0 || (len(args) == 1 && (args[0] == "symbols" || args[0] == "catalogs"))
	case "invalidate":
		return len(args) == 1
	}
	return false
}

func (a *app) exec(ctx context.Context, cmd string, args []string, related bool, stdout, stderr io.Writer) error {
	switch cmd {
	case "get", "catalog":
		var res *fetcher.Result
		if len(args) == 3 {
			res = a.coord.GetSymbol(ctx, args[0], args[1], args[2])
		} else {
			res = a.coord.GetCatalog(ctx, args[0], args[1])
		}
		if res == nil {
			return errors.New("not available: not cached and the fetch failed")
		}
		describe(stderr, res)
		if err := printJSON(stdout, res.Data); err != nil {
			return err
		}
		if related && len(args) == 3 {
			a.sched.View(ctx, args[0], args[1], args[2], res.Data)
			a.sched.Wait()
		}
		// let a stale read finish revalidating before exit
		a.coord.Wait()
		return nil

	case "prefetch":
		n := a.coord.PrefetchSymbols(ctx, args[0], args[1], args[2:])
		fmt.Fprintf(stdout, "prefetching %d of %d\n", n, len(args)-2)
		return nil

	case "stats":
		st := a.cache.Stats(ctx)
		fmt.Fprintf(stdout, "symbols     %d\n", st.SymbolCount)
		fmt.Fprintf(stdout, "catalogs    %d\n", st.CatalogCount)
		fmt.Fprintf(stdout, "size        %s of %s (%.1f%%)\n",
			humanize.IBytes(uint64(st.TotalSizeBytes)), humanize.IBytes(uint64(st.MaxSizeBytes)), st.UsagePercent)
		if st.IsNearCapacity {
			fmt.Fprintln(stdout, "            near capacity")
		}
		if !st.OldestEntry.IsZero() {
			fmt.Fprintf(stdout, "oldest      %s\n", humanize.Time(st.OldestEntry))
			fmt.Fprintf(stdout, "newest      %s\n", humanize.Time(st.NewestEntry))
		}
		return nil

	case "evict":
		r := a.cache.RunEviction(ctx)
		fmt.Fprintf(stdout, "expired %d, evicted %d in %d batches, freed %s; %s -> %s\n",
			r.Expired, r.Evicted, r.Batches, humanize.IBytes(uint64(r.FreedBytes)),
			humanize.IBytes(uint64(r.SizeBefore)), humanize.IBytes(uint64(r.SizeAfter)))
		return nil

	case "clear":
		var ok bool
		switch {
		case len(args) == 0:
			ok = a.cache.ClearAll(ctx)
		case args[0] == "symbols":
			ok = a.cache.ClearSymbols(ctx)
		default:
			ok = a.cache.ClearCatalogs(ctx)
		}
		if !ok {
			return errors.New("clear failed")
		}
		return nil

	case "invalidate":
		n := a.cache.InvalidateBuild(ctx, args[0])
		fmt.Fprintf(stdout, "removed %d entries of build %s\n", n, args[0])
		return nil

	case "worker-stats":
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := a.bridge.CacheStats(sctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "symbols     %d (%s)\n", st.Symbols.Entries, humanize.IBytes(uint64(st.Symbols.Bytes)))
		fmt.Fprintf(stdout, "catalogs    %d (%s)\n", st.Catalogs.Entries, humanize.IBytes(uint64(st.Catalogs.Bytes)))
		fmt.Fprintf(stdout, "hits %d, misses %d, stale %d, errors %d\n", st.Hits, st.Misses, st.StaleServed, st.Errors)
		fmt.Fprintf(stdout, "generation  symbols %d, catalogs %d\n",
			st.Generations[worker.CacheSymbols], st.Generations[worker.CacheCatalogs])
		return nil
	}
	return errUsage
}

func describe(w io.Writer, r *fetcher.Result) {
	from := "network"
	if r.FromCache {
		from = "cache"
	}
	fmt.Fprintf(w, "from %s, cached %s, build %s", from, humanize.Time(r.CachedAt), r.BuildID)
	if r.IsStale {
		fmt.Fprint(w, ", stale (refreshing)")
	}
	fmt.Fprintln(w)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
