package offline

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/offline/bucket"
)

func (a *Agent) onInstall(_ context.Context, ev *InstallEvent) error {
	return ev.WaitUntil(func(ctx context.Context) error {
		a.log().Info("installing", "cache", a.cacheName, "assets", len(a.assets))
		if err := a.precache(ctx); err != nil {
			a.log().Error("install failed", "cache", a.cacheName, "error", err)
			return err
		}
		a.log().Info("install complete", "cache", a.cacheName)
		return a.host.SkipWaiting(ctx)
	})
}

// precache stores every static asset in the current bucket or none of them.
func (a *Agent) precache(ctx context.Context) error {
	existed, err := a.storage.Has(ctx, a.cacheName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	b, err := a.storage.Open(ctx, a.cacheName)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, a.cacheName, err)
	}

	entries, err := a.fetchAll(ctx)
	if err == nil {
		err = b.PutAll(ctx, entries)
	}
	if err != nil {
		if !existed {
			if _, derr := a.storage.Delete(context.WithoutCancel(ctx), a.cacheName); derr != nil {
				a.log().Warn("failed to discard partial cache", "cache", a.cacheName, "error", derr)
			}
		}
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	return nil
}

// fetchAll fetches the static assets concurrently. Entries keep the order of
// the configured asset list.
func (a *Agent) fetchAll(ctx context.Context) ([]bucket.Entry, error) {
	entries := make([]bucket.Entry, len(a.assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.installConcurrency)

	for i, u := range a.assets {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, http.NoBody)
			if err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			key, err := bucket.Key(req)
			if err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
			resp, err := a.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrAssetUnavailable, u, err)
			}
			if !resp.OK() {
				return fmt.Errorf("%w: %s: status %d", ErrAssetUnavailable, u, statusOf(resp))
			}
			a.log().Debug("fetched asset", "url", u, "status", resp.Status)
			entries[i] = bucket.Entry{Key: key, Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func statusOf(resp *bucket.Response) int {
	if resp == nil {
		return 0
	}
	return resp.Status
}
