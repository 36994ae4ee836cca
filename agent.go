package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/offline/bucket"
)

// DefaultInstallConcurrency bounds concurrent asset fetches during install.
const DefaultInstallConcurrency = 4

// Fetcher performs network requests on behalf of the agent.
type Fetcher interface {
	// Fetch performs req and buffers the response. It returns an error only
	// when no response could be obtained; HTTP error statuses are responses.
	Fetch(ctx context.Context, req *http.Request) (*bucket.Response, error)
}

// Host exposes the services of the environment running the agent.
type Host interface {
	// SkipWaiting asks the host to activate the installing agent immediately.
	SkipWaiting(ctx context.Context) error

	// Claim makes the active agent control every open client.
	Claim(ctx context.Context) error

	// ShowNotification displays n.
	ShowNotification(ctx context.Context, n Notification) error

	// CloseNotification dismisses the notification with the given tag.
	CloseNotification(ctx context.Context, tag string) error

	// OpenWindow opens or focuses a client at url.
	OpenWindow(ctx context.Context, url string) error
}

type handlerFunc func(context.Context, Event) error

// Agent is the offline cache agent.
//
// An Agent is safe for concurrent use: events may be dispatched from any
// number of goroutines and coordinate only through the storage.
type Agent struct {
	cfg        Config
	scope      *url.URL
	cacheName  string
	assets     []string
	offlineDoc string

	storage bucket.Storage
	fetcher Fetcher
	host    Host
	logger  *slog.Logger

	syncFunc           func(context.Context) error
	now                func() time.Time
	installConcurrency int

	handlers   map[EventKind]handlerFunc
	fetchGroup singleflight.Group
}

// New creates an Agent for cfg backed by storage and fetcher.
func New(cfg Config, storage bucket.Storage, fetcher Fetcher, opts ...Option) (*Agent, error) {
	if storage == nil {
		return nil, errors.New("offline: storage is nil")
	}
	if fetcher == nil {
		return nil, errors.New("offline: fetcher is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:                cfg.clone(),
		storage:            storage,
		fetcher:            fetcher,
		host:               nopHost{},
		syncFunc:           placeholderSync,
		now:                time.Now,
		installConcurrency: DefaultInstallConcurrency,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	// Validate already checked that every reference resolves.
	a.scope, _ = a.cfg.scopeURL()
	a.cacheName = a.cfg.CacheName()
	for _, ref := range a.cfg.StaticAssets {
		u, _ := resolve(a.scope, ref)
		a.assets = append(a.assets, u)
	}
	a.offlineDoc, _ = resolve(a.scope, a.cfg.OfflineDocument)

	a.handlers = map[EventKind]handlerFunc{
		EventInstall:            on(a.onInstall),
		EventActivate:           on(a.onActivate),
		EventFetch:              on(a.onFetch),
		EventPush:               on(a.onPush),
		EventNotificationClick:  on(a.onNotificationClick),
		EventSync:               on(a.onSync),
		EventError:              on(a.onError),
		EventUnhandledRejection: on(a.onRejection),
	}
	return a, nil
}

// on adapts a typed handler to the dispatch table.
func on[E Event](fn func(context.Context, E) error) handlerFunc {
	return func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
		}
		return fn(ctx, e)
	}
}

// CacheName returns the name of the bucket this agent owns.
func (a *Agent) CacheName() string {
	return a.cacheName
}

// Config returns a copy of the agent's configuration.
func (a *Agent) Config() Config {
	return a.cfg.clone()
}

// Dispatch delivers ev to its handler and waits for every extension the
// handler registered with WaitUntil.
//
// A panic in a handler or extension is recovered, reported to the error
// observer, and returned as ErrHandlerPanic.
func (a *Agent) Dispatch(ctx context.Context, ev Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrUnknownEvent)
	}
	h, ok := a.handlers[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownEvent, ev.Kind())
	}

	life := newLifetime(ctx)
	if x, ok := ev.(extendable); ok {
		x.bind(life)
	}
	herr := runHandler(ctx, h, ev)
	life.endDispatch()
	werr := life.Wait()

	err := errors.Join(herr, werr)
	if errors.Is(err, ErrHandlerPanic) && ev.Kind() != EventError {
		_ = a.onError(ctx, &ErrorEvent{Err: err})
	}
	return err
}

func runHandler(ctx context.Context, h handlerFunc, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

// Install dispatches an install event.
func (a *Agent) Install(ctx context.Context) error {
	return a.Dispatch(ctx, &InstallEvent{})
}

// Activate dispatches an activate event.
func (a *Agent) Activate(ctx context.Context) error {
	return a.Dispatch(ctx, &ActivateEvent{})
}

// Fetch dispatches a fetch event for req and returns the response the
// handler settled on. Opportunistic cache writes have finished when Fetch
// returns.
func (a *Agent) Fetch(ctx context.Context, req *http.Request) (*bucket.Response, error) {
	ev := NewFetchEvent(req)
	if err := a.Dispatch(ctx, ev); err != nil {
		return nil, err
	}
	return ev.Result()
}

// Push dispatches a push event. data is nil when the message had no payload.
func (a *Agent) Push(ctx context.Context, data []byte) error {
	return a.Dispatch(ctx, &PushEvent{Data: data})
}

// NotificationClick dispatches a click on n with the given action.
func (a *Agent) NotificationClick(ctx context.Context, n Notification, action string) error {
	return a.Dispatch(ctx, &NotificationClickEvent{Notification: n, Action: action})
}

// Sync dispatches a background sync event with the given tag.
func (a *Agent) Sync(ctx context.Context, tag string) error {
	return a.Dispatch(ctx, &SyncEvent{Tag: tag})
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Agent) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// nopHost is used when no Host is configured.
type nopHost struct{}

func (nopHost) SkipWaiting(context.Context) error                    { return nil }
func (nopHost) Claim(context.Context) error                          { return nil }
func (nopHost) ShowNotification(context.Context, Notification) error { return nil }
func (nopHost) CloseNotification(context.Context, string) error      { return nil }
func (nopHost) OpenWindow(context.Context, string) error             { return nil }
