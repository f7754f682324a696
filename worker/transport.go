package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/refcache/internal/util"
	"github.com/unkn0wn-root/refcache/internal/wire"
	"github.com/unkn0wn-root/refcache/log"
)

const (
	// HeaderCache reports how the worker answered: hit, miss or stale.
	HeaderCache   = "X-Worker-Cache"
	headerBuildID = "X-Build-Id"
)

// Transport returns a RoundTripper that answers reference GETs from the
// cache while the worker is activated. Other requests go straight upstream.
func (w *Worker) Transport() http.RoundTripper { return transport{w} }

type transport struct{ w *Worker }

func (t transport) RoundTrip(req *http.Request) (*http.Response, error) {
	w := t.w
	if req.Method != http.MethodGet || w.State() != Activated {
		return w.upstream.RoundTrip(req)
	}
	if _, ok := w.cacheType(req.URL.String()); !ok {
		return w.upstream.RoundTrip(req)
	}
	return w.serve(req)
}

// serve is cache-first for fresh entries, network-first otherwise, and falls
// back to any cached copy when the network fails.
func (w *Worker) serve(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	u := req.URL.String()
	ct, _ := w.cacheType(u)

	cached, key, ok := w.lookup(ctx, ct, u)
	if ok && w.now().Sub(cached.StoredAt) < w.maxAge {
		w.hits.Inc()
		return respond(req, cached, "hit", w.now()), nil
	}
	w.misses.Inc()

	resp, err := w.upstream.RoundTrip(req)
	if err != nil {
		if ok {
			w.stale.Inc()
			w.log.Debug("network failed; serving cached response", log.Fields{"url": u, "err": err})
			return respond(req, cached, "stale", w.now()), nil
		}
		w.errs.Inc()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBody+1))
	if err != nil {
		resp.Body.Close()
		w.errs.Inc()
		if ok {
			w.stale.Inc()
			return respond(req, cached, "stale", w.now()), nil
		}
		return nil, err
	}
	if int64(len(body)) > w.maxBody {
		w.log.Debug("response too large to cache", log.Fields{"url": u, "limit": w.maxBody})
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		resp.Header.Set(HeaderCache, "miss")
		return resp, nil
	}
	resp.Body.Close()

	r := wire.Response{
		URL:         u,
		StoredAt:    w.now(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		BuildID:     resp.Header.Get(headerBuildID),
		Body:        body,
	}
	if key == "" {
		key, err = w.key(ctx, ct, u)
	}
	if err == nil {
		w.store(ctx, ct, key, r)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set(HeaderCache, "miss")
	return resp, nil
}

func (w *Worker) key(ctx context.Context, cacheType, u string) (string, error) {
	gen, err := w.gens.Current(ctx, cacheType)
	if err != nil {
		return "", err
	}
	return util.HashKey("resp:"+cacheType, strconv.FormatUint(gen, 10), u), nil
}

// lookup returns the cached response for u, if any, and the key it lives
// under. Undecodable frames and hash collisions are deleted.
func (w *Worker) lookup(ctx context.Context, cacheType, u string) (wire.Response, string, bool) {
	key, err := w.key(ctx, cacheType, u)
	if err != nil {
		w.log.Warn("generation unavailable; bypassing cache", log.Fields{"type": cacheType, "err": err})
		return wire.Response{}, "", false
	}
	raw, ok, err := w.prov.Get(ctx, key)
	if err != nil {
		return wire.Response{}, key, false
	}
	if !ok {
		// evicted or expired by the provider
		w.forget(cacheType, u)
		return wire.Response{}, key, false
	}
	r, err := wire.DecodeResponse(raw)
	if err != nil || r.URL != u {
		_ = w.prov.Del(ctx, key) // self-heal
		w.forget(cacheType, u)
		return wire.Response{}, key, false
	}
	return r, key, true
}

func (w *Worker) forget(cacheType, u string) {
	w.mu.Lock()
	delete(w.index[cacheType], u)
	w.mu.Unlock()
}

func (w *Worker) store(ctx context.Context, cacheType, key string, r wire.Response) {
	frame, err := wire.EncodeResponse(r)
	if err != nil {
		w.log.Warn("response not cacheable", log.Fields{"url": r.URL, "err": err})
		return
	}
	ok, err := w.prov.Set(ctx, key, frame, int64(len(frame)), w.retention)
	if err != nil || !ok {
		w.log.Debug("response store rejected", log.Fields{"url": r.URL, "err": err})
		return
	}
	w.mu.Lock()
	w.index[cacheType][r.URL] = int64(len(frame))
	w.mu.Unlock()
	w.emit(CacheUpdated{URL: r.URL})
}

type readCloser struct {
	io.Reader
	io.Closer
}

func respond(req *http.Request, r wire.Response, how string, now time.Time) *http.Response {
	h := make(http.Header)
	if r.ContentType != "" {
		h.Set("Content-Type", r.ContentType)
	}
	if r.BuildID != "" {
		h.Set(headerBuildID, r.BuildID)
	}
	h.Set(HeaderCache, how)
	h.Set("Age", strconv.Itoa(int(now.Sub(r.StoredAt).Seconds())))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// warm fetches u through the cache regardless of lifecycle state.
func (w *Worker) warm(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if _, ok := w.cacheType(u); !ok {
		return fmt.Errorf("worker: %s is outside %s", u, w.prefix)
	}
	resp, err := w.serve(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker: status %d", resp.StatusCode)
	}
	return nil
}

// prefetch warms urls with bounded concurrency. Failures are ignored.
func (w *Worker) prefetch(ctx context.Context, urls []string) {
	var g errgroup.Group
	g.SetLimit(prefetchLimit)
	for _, u := range urls {
		g.Go(func() error {
			if err := w.warm(ctx, u); err != nil {
				w.log.Debug("prefetch failed", log.Fields{"url": u, "err": err})
			}
			return nil
		})
	}
	_ = g.Wait()
}
