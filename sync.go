package offline

import (
	"context"
	"fmt"
)

func (a *Agent) onSync(_ context.Context, ev *SyncEvent) error {
	if ev.Tag != a.cfg.SyncTag {
		a.log().Debug("ignoring sync", "tag", ev.Tag)
		return nil
	}
	return ev.WaitUntil(func(ctx context.Context) error {
		return a.runSync(ctx, ev)
	})
}

func (a *Agent) runSync(ctx context.Context, ev *SyncEvent) error {
	a.log().Info("background sync running", "tag", ev.Tag, "last_chance", ev.LastChance)
	if err := a.syncFunc(ctx); err != nil {
		a.log().Error("background sync failed", "tag", ev.Tag, "error", err)
		return fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}
	a.log().Info("background sync complete", "tag", ev.Tag)
	return nil
}

// placeholderSync is the default sync routine. It has nothing to upload yet.
func placeholderSync(context.Context) error {
	return nil
}
