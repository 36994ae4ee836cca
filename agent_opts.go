package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Option configures an Agent.
type Option func(*Agent) error

// WithHost sets the host services the agent calls back into.
// Without it the agent uses a host whose operations all succeed and do nothing.
func WithHost(h Host) Option {
	return func(a *Agent) error {
		if h == nil {
			return errors.New("offline: host is nil")
		}
		a.host = h
		return nil
	}
}

// WithLogger sets the logger for event handling.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) error {
		a.logger = logger
		return nil
	}
}

// WithSyncFunc replaces the background sync routine run for the configured
// sync tag. A returned error fails the sync event so the host can retry.
func WithSyncFunc(fn func(context.Context) error) Option {
	return func(a *Agent) error {
		if fn == nil {
			return errors.New("offline: sync func is nil")
		}
		a.syncFunc = fn
		return nil
	}
}

// WithClock sets the time source used for notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) error {
		if now == nil {
			return errors.New("offline: clock is nil")
		}
		a.now = now
		return nil
	}
}

// WithInstallConcurrency bounds how many static assets install fetches at once.
// Default is DefaultInstallConcurrency.
func WithInstallConcurrency(n int) Option {
	return func(a *Agent) error {
		if n < 1 {
			return fmt.Errorf("%w: install concurrency must be >= 1", ErrInvalidConfig)
		}
		a.installConcurrency = n
		return nil
	}
}
