package offline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

func (a *Agent) onActivate(_ context.Context, ev *ActivateEvent) error {
	return ev.WaitUntil(func(ctx context.Context) error {
		a.log().Info("activating", "cache", a.cacheName)
		if err := a.pruneStale(ctx); err != nil {
			return err
		}
		a.log().Info("activation complete", "cache", a.cacheName)
		return a.host.Claim(ctx)
	})
}

// pruneStale deletes every bucket other than the current one.
func (a *Agent) pruneStale(ctx context.Context) error {
	names, err := a.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("%w: list caches: %w", ErrActivateFailed, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == a.cacheName {
			continue
		}
		g.Go(func() error {
			attrs := []any{"cache", name}
			if _, version, ok := ParseCacheName(name); ok {
				attrs = append(attrs, "version", version)
			}
			a.log().Info("deleting stale cache", attrs...)
			if _, err := a.storage.Delete(gctx, name); err != nil {
				return fmt.Errorf("%w: delete %s: %w", ErrActivateFailed, name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
