package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// SyncPolicy controls how the runtime retries a failed sync job.
type SyncPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failure. It doubles after every
	// further failure, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultSyncPolicy returns three attempts, five minutes apart at first.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Minute,
		MaxDelay:    time.Hour,
	}
}

func (p SyncPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("host: sync max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.New("host: sync delays must be non-negative")
	}
	return nil
}

// delay returns the wait after the given failed attempt.
func (p SyncPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// SyncFailure describes one failed sync attempt.
type SyncFailure struct {
	Tag        string
	Attempt    int
	LastChance bool
	Err        error
}

// WithLogger sets the logger for runtime events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) error {
		r.logger = logger
		return nil
	}
}

// WithSyncPolicy sets the sync retry policy. Default is DefaultSyncPolicy.
func WithSyncPolicy(p SyncPolicy) Option {
	return func(r *Runtime) error {
		r.syncPolicy = p
		return nil
	}
}

// WithSyncFailureHook calls fn after every failed sync attempt.
func WithSyncFailureHook(fn func(SyncFailure)) Option {
	return func(r *Runtime) error {
		r.onSyncFailure = fn
		return nil
	}
}

// WithWindowOpener sets the function that opens client windows, for example
// by launching a browser. Without it opened URLs are only recorded.
func WithWindowOpener(fn func(ctx context.Context, url string) error) Option {
	return func(r *Runtime) error {
		r.openWindow = fn
		return nil
	}
}
