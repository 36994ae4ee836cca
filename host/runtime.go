// Package host runs offline agents the way a browser runs service workers.
//
// A Runtime owns the agent lifecycle (install, wait, activate, retire),
// implements the offline.Host services agents call back into, and serves
// HTTP by turning each request into a fetch event once an active agent has
// claimed clients.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/meigma/offline"
)

type registration struct {
	agent       *offline.Agent
	state       State
	skipWaiting bool
}

// Runtime hosts offline agents. It is safe for concurrent use.
type Runtime struct {
	scope   *url.URL
	network offline.Fetcher
	logger  *slog.Logger

	syncPolicy    SyncPolicy
	onSyncFailure func(SyncFailure)
	openWindow    func(ctx context.Context, url string) error

	// lifecycle serializes Register, Update, and ActivateWaiting.
	lifecycle sync.Mutex

	mu          sync.Mutex
	installing  *registration
	waiting     *registration
	active      *registration
	controlling bool
	tray        []offline.Notification
	windows     []string
}

// New creates a Runtime serving scope. network is used for requests that no
// agent controls.
func New(scope string, network offline.Fetcher, opts ...Option) (*Runtime, error) {
	u, err := url.Parse(scope)
	if err != nil {
		return nil, fmt.Errorf("host: scope: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("host: scope %q must be an absolute http(s) URL", scope)
	}
	if network == nil {
		return nil, errors.New("host: network fetcher is nil")
	}

	r := &Runtime{
		scope:      u,
		network:    network,
		syncPolicy: DefaultSyncPolicy(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if err := r.syncPolicy.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register installs agent and activates it when nothing is active or when it
// skipped waiting. Otherwise it waits until ActivateWaiting.
//
// If the install fails the agent stays installing and Update retries it.
func (r *Runtime) Register(ctx context.Context, agent *offline.Agent) error {
	if agent == nil {
		return errors.New("host: agent is nil")
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	reg := &registration{agent: agent, state: StateInstalling}
	r.mu.Lock()
	if prev := r.installing; prev != nil {
		prev.state = StateRedundant
	}
	r.installing = reg
	r.mu.Unlock()

	return r.install(ctx, reg)
}

// Update retries the pending install or, failing that, an activation that
// did not complete. It returns ErrNoPendingInstall when there is nothing to
// retry.
func (r *Runtime) Update(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	reg := r.installing
	stalled := r.active
	if stalled != nil && stalled.state != StateActivating {
		stalled = nil
	}
	r.mu.Unlock()

	switch {
	case reg != nil:
		return r.install(ctx, reg)
	case stalled != nil:
		r.log().Info("retrying activation", "cache", stalled.agent.CacheName())
		return r.activate(ctx, stalled)
	}
	return ErrNoPendingInstall
}

// ActivateWaiting activates the waiting agent, retiring the active one.
// It is a no-op when no agent is waiting.
func (r *Runtime) ActivateWaiting(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	reg := r.waiting
	r.waiting = nil
	r.mu.Unlock()
	if reg == nil {
		return nil
	}
	return r.activate(ctx, reg)
}

func (r *Runtime) install(ctx context.Context, reg *registration) error {
	name := reg.agent.CacheName()
	r.log().Info("installing agent", "cache", name)
	if err := reg.agent.Install(ctx); err != nil {
		r.log().Error("agent install failed", "cache", name, "error", err)
		return err
	}

	r.mu.Lock()
	reg.state = StateInstalled
	if r.installing == reg {
		r.installing = nil
	}
	immediate := reg.skipWaiting || r.active == nil
	if !immediate {
		if prev := r.waiting; prev != nil {
			prev.state = StateRedundant
		}
		r.waiting = reg
	}
	r.mu.Unlock()

	if !immediate {
		r.log().Info("agent waiting", "cache", name)
		return nil
	}
	return r.activate(ctx, reg)
}

func (r *Runtime) activate(ctx context.Context, reg *registration) error {
	r.mu.Lock()
	if old := r.active; old != nil && old != reg {
		old.state = StateRedundant
		r.log().Info("agent retired", "cache", old.agent.CacheName())
	}
	if r.waiting == reg {
		r.waiting = nil
	}
	reg.state = StateActivating
	r.active = reg
	r.controlling = false
	r.mu.Unlock()

	// A failed activation leaves reg activating so Update can retry it.
	if err := reg.agent.Activate(ctx); err != nil {
		r.log().Error("agent activation failed", "cache", reg.agent.CacheName(), "error", err)
		return err
	}

	r.mu.Lock()
	reg.state = StateActivated
	r.mu.Unlock()
	r.log().Info("agent activated", "cache", reg.agent.CacheName())
	return nil
}

// Status returns a snapshot of the runtime's registrations.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Status
	if r.installing != nil {
		s.Installing = r.installing.agent.CacheName()
	}
	if r.waiting != nil {
		s.Waiting = r.waiting.agent.CacheName()
	}
	if r.active != nil {
		s.Active = r.active.agent.CacheName()
		s.ActiveState = r.active.state
	}
	s.Controlling = r.controlling
	return s
}

// Active returns the active agent, or nil.
func (r *Runtime) Active() *offline.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.agent
}

// controller returns the agent requests are routed through, if any.
func (r *Runtime) controller() (*offline.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || !r.controlling {
		return nil, false
	}
	return r.active.agent, true
}

// SkipWaiting implements offline.Host.
func (r *Runtime) SkipWaiting(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installing != nil {
		r.installing.skipWaiting = true
	}
	return nil
}

// Claim implements offline.Host.
func (r *Runtime) Claim(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNoActiveAgent
	}
	r.controlling = true
	return nil
}

// ShowNotification implements offline.Host by adding n to the tray.
func (r *Runtime) ShowNotification(_ context.Context, n offline.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tray = slices.DeleteFunc(r.tray, func(m offline.Notification) bool { return m.Tag == n.Tag })
	r.tray = append(r.tray, n)
	r.log().Info("notification shown", "tag", n.Tag, "title", n.Title)
	return nil
}

// CloseNotification implements offline.Host by removing the notification
// from the tray.
func (r *Runtime) CloseNotification(_ context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tray = slices.DeleteFunc(r.tray, func(m offline.Notification) bool { return m.Tag == tag })
	return nil
}

// OpenWindow implements offline.Host. The URL is recorded and handed to the
// window opener configured with WithWindowOpener.
func (r *Runtime) OpenWindow(ctx context.Context, url string) error {
	r.mu.Lock()
	r.windows = append(r.windows, url)
	open := r.openWindow
	r.mu.Unlock()

	r.log().Info("opening window", "url", url)
	if open == nil {
		return nil
	}
	return open(ctx, url)
}

// Notifications returns the notifications in the tray, oldest first.
func (r *Runtime) Notifications() []offline.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tray)
}

// Windows returns every URL a window was opened for.
func (r *Runtime) Windows() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.windows)
}

// Push delivers a push message to the active agent.
func (r *Runtime) Push(ctx context.Context, data []byte) error {
	agent := r.Active()
	if agent == nil {
		return ErrNoActiveAgent
	}
	return r.report(ctx, agent, agent.Push(ctx, data))
}

// Click delivers a click on the notification with the given tag.
// action is empty for a click on the notification body.
func (r *Runtime) Click(ctx context.Context, tag, action string) error {
	agent := r.Active()
	if agent == nil {
		return ErrNoActiveAgent
	}

	r.mu.Lock()
	i := slices.IndexFunc(r.tray, func(m offline.Notification) bool { return m.Tag == tag })
	var n offline.Notification
	if i >= 0 {
		n = r.tray[i]
	}
	r.mu.Unlock()
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownNotification, tag)
	}
	return r.report(ctx, agent, agent.NotificationClick(ctx, n, action))
}

// report hands a failed event to the agent's rejection observer and logs it
// unless the observer handled it. The error is returned unchanged.
func (r *Runtime) report(ctx context.Context, agent *offline.Agent, err error) error {
	if err == nil {
		return nil
	}
	ev := &offline.RejectionEvent{Reason: err}
	if derr := agent.Dispatch(ctx, ev); derr != nil {
		r.log().Error("rejection observer failed", "error", derr)
	}
	if !ev.DefaultPrevented() {
		r.log().Error("unhandled rejection", "reason", err)
	}
	return err
}

// Sync runs the sync job with the given tag on the active agent, retrying
// failures according to the sync policy. The final attempt is marked as the
// last chance.
func (r *Runtime) Sync(ctx context.Context, tag string) error {
	agent := r.Active()
	if agent == nil {
		return ErrNoActiveAgent
	}

	p := r.syncPolicy
	for attempt := 1; ; attempt++ {
		last := attempt >= p.MaxAttempts
		err := agent.Dispatch(ctx, &offline.SyncEvent{Tag: tag, LastChance: last})
		if err == nil {
			return nil
		}

		failure := SyncFailure{Tag: tag, Attempt: attempt, LastChance: last, Err: err}
		r.log().Warn("sync attempt failed", "tag", tag, "attempt", attempt, "last_chance", last, "error", err)
		if r.onSyncFailure != nil {
			r.onSyncFailure(failure)
		}
		if last {
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrSyncExhausted, tag, attempt, err)
		}

		t := time.NewTimer(p.delay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Runtime) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}
