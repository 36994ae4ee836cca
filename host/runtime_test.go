package host_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline"
	"github.com/meigma/offline/bucket"
	"github.com/meigma/offline/bucket/memory"
	"github.com/meigma/offline/host"
	"github.com/meigma/offline/internal/testutil"
)

const (
	scope       = "http://localhost:8080/"
	docURL      = "http://localhost:8080/02yakuin-kanri-improved.html"
	manifestURL = "http://localhost:8080/manifest.json"
	docBody     = "<html>officer dashboard</html>"
)

type env struct {
	rt      *host.Runtime
	storage *memory.Storage
	fetcher *testutil.MockFetcher
}

func newEnv(t *testing.T, opts ...host.Option) *env {
	t.Helper()

	e := &env{
		storage: memory.New(),
		fetcher: testutil.NewMockFetcher().
			ServeString(docURL, nethttp.StatusOK, docBody).
			ServeString(manifestURL, nethttp.StatusOK, `{"name":"dashboard"}`),
	}
	rt, err := host.New(scope, e.fetcher, opts...)
	require.NoError(t, err)
	e.rt = rt
	return e
}

func (e *env) agent(t *testing.T, version string, opts ...offline.Option) *offline.Agent {
	t.Helper()

	cfg := offline.DefaultConfig()
	cfg.Version = version
	opts = append([]offline.Option{offline.WithHost(e.rt)}, opts...)
	agent, err := offline.New(cfg, e.storage, e.fetcher, opts...)
	require.NoError(t, err)
	return agent
}

func (e *env) register(t *testing.T, version string, opts ...offline.Option) *offline.Agent {
	t.Helper()

	agent := e.agent(t, version, opts...)
	if err := e.rt.Register(context.Background(), agent); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return agent
}

func TestNew(t *testing.T) {
	t.Parallel()

	fetcher := testutil.NewMockFetcher()
	_, err := host.New("/relative", fetcher)
	require.Error(t, err)

	_, err = host.New(scope, nil)
	require.Error(t, err)

	_, err = host.New(scope, fetcher, host.WithSyncPolicy(host.SyncPolicy{MaxAttempts: 0}))
	require.Error(t, err)
}

func TestRegister_FirstAgentActivates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	agent := e.register(t, "2.1.0")

	status := e.rt.Status()
	assert.Equal(t, agent.CacheName(), status.Active)
	assert.Equal(t, host.StateActivated, status.ActiveState)
	assert.True(t, status.Controlling)
	assert.Empty(t, status.Installing)
	assert.Empty(t, status.Waiting)
	assert.Same(t, agent, e.rt.Active())
}

func TestRegister_UpgradeSkipsWaiting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "2.1.0")
	next := e.register(t, "2.2.0")

	status := e.rt.Status()
	assert.Equal(t, next.CacheName(), status.Active)
	assert.True(t, status.Controlling)

	names, err := e.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"legaltech-officer-dashboard-v2.2.0"}, names)
}

func TestRegister_FailedInstallIsRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	e.fetcher.SetOffline(errors.New("network unreachable"))

	err := e.rt.Register(ctx, e.agent(t, "2.1.0"))
	require.ErrorIs(t, err, offline.ErrInstallFailed)
	status := e.rt.Status()
	assert.Equal(t, "legaltech-officer-dashboard-v2.1.0", status.Installing)
	assert.Empty(t, status.Active)

	e.fetcher.SetOffline(nil)
	require.NoError(t, e.rt.Update(ctx))
	status = e.rt.Status()
	assert.Empty(t, status.Installing)
	assert.Equal(t, "legaltech-officer-dashboard-v2.1.0", status.Active)

	require.ErrorIs(t, e.rt.Update(ctx), host.ErrNoPendingInstall)
}

// flakyDeletes fails bucket deletion while failing is set.
type flakyDeletes struct {
	bucket.Storage
	failing atomic.Bool
}

func (s *flakyDeletes) Delete(ctx context.Context, name string) (bool, error) {
	if s.failing.Load() {
		return false, errors.New("disk busy")
	}
	return s.Storage.Delete(ctx, name)
}

func TestRegister_FailedActivationIsRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "2.1.0")

	storage := &flakyDeletes{Storage: e.storage}
	storage.failing.Store(true)
	cfg := offline.DefaultConfig()
	cfg.Version = "2.2.0"
	next, err := offline.New(cfg, storage, e.fetcher, offline.WithHost(e.rt))
	require.NoError(t, err)

	err = e.rt.Register(ctx, next)
	require.ErrorIs(t, err, offline.ErrActivateFailed)
	status := e.rt.Status()
	assert.Equal(t, next.CacheName(), status.Active)
	assert.Equal(t, host.StateActivating, status.ActiveState)
	assert.False(t, status.Controlling)

	storage.failing.Store(false)
	require.NoError(t, e.rt.Update(ctx))
	status = e.rt.Status()
	assert.Equal(t, host.StateActivated, status.ActiveState)
	assert.True(t, status.Controlling)

	names, err := e.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"legaltech-officer-dashboard-v2.2.0"}, names)

	require.ErrorIs(t, e.rt.Update(ctx), host.ErrNoPendingInstall)
}

func TestActivateWaiting_NoneWaiting(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.rt.ActivateWaiting(context.Background()))
	assert.Empty(t, e.rt.Status().Active)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "installing", host.StateInstalling.String())
	assert.Equal(t, "activated", host.StateActivated.String())
	assert.Equal(t, "redundant", host.StateRedundant.String())
	assert.Equal(t, "none", host.State(0).String())
}

func TestServeHTTP(t *testing.T) {
	t.Parallel()

	serve := func(rt *host.Runtime, path string, header ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(nethttp.MethodGet, path, nil)
		for i := 0; i+1 < len(header); i += 2 {
			req.Header.Set(header[i], header[i+1])
		}
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		return rec
	}

	t.Run("passthrough before registration", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		rec := serve(e.rt, "/manifest.json")
		assert.Equal(t, nethttp.StatusOK, rec.Code)
		assert.Equal(t, 1, e.fetcher.Calls(manifestURL))

		has, err := e.storage.Has(context.Background(), "legaltech-officer-dashboard-v2.1.0")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("asset from cache", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		e.register(t, "2.1.0")
		e.fetcher.SetOffline(errors.New("network unreachable"))

		rec := serve(e.rt, "/manifest.json")
		assert.Equal(t, nethttp.StatusOK, rec.Code)
		assert.JSONEq(t, `{"name":"dashboard"}`, rec.Body.String())
	})

	t.Run("offline document fallback", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		e.register(t, "2.1.0")
		e.fetcher.SetOffline(errors.New("network unreachable"))

		rec := serve(e.rt, "/officers/7", "Sec-Fetch-Dest", "document")
		assert.Equal(t, nethttp.StatusOK, rec.Code)
		assert.Equal(t, docBody, rec.Body.String())
	})

	t.Run("network error without cache", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		e.register(t, "2.1.0")
		e.fetcher.SetOffline(errors.New("network unreachable"))

		rec := serve(e.rt, "/app.js")
		assert.Equal(t, nethttp.StatusBadGateway, rec.Code)
	})

	t.Run("opaque response", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		e.register(t, "2.1.0")
		e.fetcher.Serve("http://localhost:8080/font.woff2", &bucket.Response{Type: bucket.TypeOpaque})

		rec := serve(e.rt, "/font.woff2")
		assert.Equal(t, nethttp.StatusBadGateway, rec.Code)
	})

	t.Run("error status passes through", func(t *testing.T) {
		t.Parallel()

		e := newEnv(t)
		e.register(t, "2.1.0")

		rec := serve(e.rt, "/missing.css")
		assert.Equal(t, nethttp.StatusNotFound, rec.Code)
		assert.Equal(t, "not found", rec.Body.String())
	})
}

func TestPushAndClick(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	require.ErrorIs(t, e.rt.Push(ctx, nil), host.ErrNoActiveAgent)

	e.register(t, "2.1.0")
	require.NoError(t, e.rt.Push(ctx, []byte("Auditor term ends soon")))

	tray := e.rt.Notifications()
	require.Len(t, tray, 1)
	assert.Equal(t, "Auditor term ends soon", tray[0].Body)

	require.ErrorIs(t, e.rt.Click(ctx, "no-such-tag", offline.ActionOpen), host.ErrUnknownNotification)

	require.NoError(t, e.rt.Click(ctx, tray[0].Tag, offline.ActionOpen))
	assert.Empty(t, e.rt.Notifications())
	assert.Equal(t, []string{docURL}, e.rt.Windows())
}

func TestClick_DismissDoesNotOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "2.1.0")
	require.NoError(t, e.rt.Push(ctx, nil))
	tag := e.rt.Notifications()[0].Tag

	require.NoError(t, e.rt.Click(ctx, tag, offline.ActionDismiss))
	assert.Empty(t, e.rt.Notifications())
	assert.Empty(t, e.rt.Windows())
}

func TestClick_RejectionIsHandledByAgent(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	opener := errors.New("no display")
	e := newEnv(t,
		host.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		host.WithWindowOpener(func(context.Context, string) error { return opener }),
	)
	e.register(t, "2.1.0")
	ctx := context.Background()
	require.NoError(t, e.rt.Push(ctx, nil))

	err := e.rt.Click(ctx, e.rt.Notifications()[0].Tag, offline.ActionOpen)
	require.ErrorIs(t, err, opener)
	assert.NotContains(t, logs.String(), `msg="unhandled rejection"`)
}

func TestSync_RetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	upstream := errors.New("upstream down")
	var (
		mu       sync.Mutex
		failures []host.SyncFailure
	)
	e := newEnv(t,
		host.WithSyncPolicy(host.SyncPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
		host.WithSyncFailureHook(func(f host.SyncFailure) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, f)
		}),
	)
	e.register(t, "2.1.0", offline.WithSyncFunc(func(context.Context) error { return upstream }))

	err := e.rt.Sync(context.Background(), offline.DefaultSyncTag)
	require.ErrorIs(t, err, host.ErrSyncExhausted)
	require.ErrorIs(t, err, offline.ErrSyncFailed)
	require.ErrorIs(t, err, upstream)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 3)
	for i, f := range failures {
		assert.Equal(t, i+1, f.Attempt)
		assert.Equal(t, offline.DefaultSyncTag, f.Tag)
		assert.Equal(t, i == 2, f.LastChance)
	}
}

func TestSync_SucceedsOnRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	e := newEnv(t, host.WithSyncPolicy(host.SyncPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}))
	e.register(t, "2.1.0", offline.WithSyncFunc(func(context.Context) error {
		if calls.Add(1) == 1 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}))

	require.NoError(t, e.rt.Sync(context.Background(), offline.DefaultSyncTag))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSync_CanceledWhileWaiting(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t,
		host.WithSyncPolicy(host.SyncPolicy{MaxAttempts: 3, BaseDelay: time.Hour}),
		host.WithSyncFailureHook(func(host.SyncFailure) { cancel() }),
	)
	e.register(t, "2.1.0", offline.WithSyncFunc(func(context.Context) error { return io.ErrUnexpectedEOF }))

	err := e.rt.Sync(ctx, offline.DefaultSyncTag)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSync_OtherTagIsIgnored(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.ErrorIs(t, e.rt.Sync(context.Background(), "x"), host.ErrNoActiveAgent)

	e.register(t, "2.1.0", offline.WithSyncFunc(func(context.Context) error { return io.ErrUnexpectedEOF }))
	require.NoError(t, e.rt.Sync(context.Background(), "unrelated-tag"))
}
