package offline

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/offline/bucket"
)

func (a *Agent) onFetch(ctx context.Context, ev *FetchEvent) error {
	if ev.Request == nil {
		return ev.RespondWith(nil, errors.New("offline: fetch event has no request"))
	}
	if ev.Destination == DestinationDocument {
		return ev.RespondWith(a.networkFirst(ctx, ev.Request))
	}
	return ev.RespondWith(a.cacheFirst(ctx, ev))
}

// networkFirst fetches req and falls back to the offline document when the
// network fails. HTTP error statuses are returned as they are.
func (a *Agent) networkFirst(ctx context.Context, req *http.Request) (*bucket.Response, error) {
	resp, err := a.fetch(ctx, req)
	if err == nil {
		return resp, nil
	}

	a.log().Warn("network unavailable, serving offline document",
		"url", req.URL.String(), "document", a.offlineDoc, "error", err)
	doc, ok, lerr := a.match(ctx, a.offlineDoc)
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	if !ok {
		return nil, errors.Join(err, ErrOfflineDocumentMissing)
	}
	return doc, nil
}

// cacheFirst answers from the current bucket and goes to the network only
// on a miss. Successful same-origin responses are stored for next time.
func (a *Agent) cacheFirst(ctx context.Context, ev *FetchEvent) (*bucket.Response, error) {
	req := ev.Request
	key, err := bucket.Key(req)
	if err != nil {
		// Not cacheable; the bucket is never consulted.
		return a.fetch(ctx, req)
	}

	if resp, ok, err := a.match(ctx, key); err != nil {
		a.log().Warn("cache lookup failed", "cache", a.cacheName, "url", key, "error", err)
	} else if ok {
		a.log().Debug("cache hit", "url", key)
		return resp, nil
	}

	// Concurrent misses for the same key share one network request. The
	// shared request outlives any single caller; each caller waits on its
	// own context.
	shared := context.WithoutCancel(ctx)
	ch := a.fetchGroup.DoChan(key, func() (any, error) {
		return a.fetch(shared, req.WithContext(shared))
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	resp, _ := res.Val.(*bucket.Response) //nolint:errcheck // type assertion always succeeds when err is nil
	if res.Shared {
		resp = resp.Clone()
	}

	if resp.Status != http.StatusOK || resp.Type != bucket.TypeBasic {
		return resp, nil
	}

	toCache := resp.Clone()
	if err := ev.WaitUntil(func(ctx context.Context) error {
		a.store(ctx, key, toCache)
		return nil
	}); err != nil {
		a.log().Warn("cache write skipped", "url", key, "error", err)
	}
	return resp, nil
}

func (a *Agent) fetch(ctx context.Context, req *http.Request) (*bucket.Response, error) {
	resp, err := a.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrNoResponse
	}
	return resp, nil
}

// match looks key up in the current bucket without creating it.
func (a *Agent) match(ctx context.Context, key string) (*bucket.Response, bool, error) {
	b, ok, err := a.storage.Lookup(ctx, a.cacheName)
	if err != nil || !ok {
		return nil, false, err
	}
	return b.Match(ctx, key)
}

// store writes resp to the current bucket. Failures are logged and dropped.
func (a *Agent) store(ctx context.Context, key string, resp *bucket.Response) {
	b, err := a.storage.Open(ctx, a.cacheName)
	if err == nil {
		err = b.Put(ctx, key, resp)
	}
	if err != nil {
		a.log().Warn("cache write failed", "cache", a.cacheName, "url", key, "error", err)
		return
	}
	a.log().Debug("cached response", "cache", a.cacheName, "url", key)
}
