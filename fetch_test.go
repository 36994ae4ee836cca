package offline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline"
	"github.com/meigma/offline/bucket"
	"github.com/meigma/offline/bucket/memory"
	"github.com/meigma/offline/internal/testutil"
)

const appURL = "http://localhost:8080/app.js"

func documentRequest(url string) *http.Request {
	return getRequest(url, "Sec-Fetch-Dest", "document", "Sec-Fetch-Mode", "navigate")
}

func TestFetch_DocumentNetworkFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.install(t)
	f.fetcher.ServeString(docURL, http.StatusOK, "<html>fresh</html>")

	resp, err := f.agent.Fetch(context.Background(), documentRequest(docURL))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	assert.Equal(t, "<html>fresh</html>", string(resp.Body))
	assert.Equal(t, 2, f.fetcher.Calls(docURL))
}

func TestFetch_DocumentFallsBackWhenOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.install(t)
	f.fetcher.SetOffline(errors.New("network unreachable"))

	for _, url := range []string{
		docURL,
		"http://localhost:8080/",
		"http://localhost:8080/officers/42?tab=terms",
	} {
		resp, err := f.agent.Fetch(context.Background(), documentRequest(url))
		require.NoError(t, err, url)
		assert.Equal(t, docBody, string(resp.Body), url)
		assert.Equal(t, docURL, resp.URL, url)
	}
}

func TestFetch_DocumentErrorStatusIsNotReplaced(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.install(t)

	resp, err := f.agent.Fetch(context.Background(), documentRequest("http://localhost:8080/missing.html"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestFetch_DocumentOfflineWithoutCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	netErr := errors.New("network unreachable")
	f.fetcher.SetOffline(netErr)

	_, err := f.agent.Fetch(context.Background(), documentRequest(docURL))
	require.ErrorIs(t, err, offline.ErrOfflineDocumentMissing)
	require.ErrorIs(t, err, netErr)

	has, err := f.storage.Has(context.Background(), cacheName)
	require.NoError(t, err)
	assert.False(t, has, "fallback lookup must not create the bucket")
}

func TestFetch_CacheHitMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.install(t)
	before := f.fetcher.TotalCalls()

	resp, err := f.agent.Fetch(context.Background(), getRequest(manifestURL+"#section"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"dashboard"}`, string(resp.Body))
	assert.Equal(t, before, f.fetcher.TotalCalls())
}

func TestFetch_CacheHitWhileOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.install(t)
	f.fetcher.SetOffline(errors.New("network unreachable"))

	resp, err := f.agent.Fetch(context.Background(), getRequest(manifestURL))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestFetch_MissStoresOnlyBasicOK(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		resp       *bucket.Response
		wantStored bool
	}{
		{
			name:       "same-origin 200",
			resp:       testutil.Response(appURL, http.StatusOK, "console.log(1)"),
			wantStored: true,
		},
		{
			name: "same-origin 404",
			resp: testutil.Response(appURL, http.StatusNotFound, "missing"),
		},
		{
			name: "same-origin 204",
			resp: testutil.Response(appURL, http.StatusNoContent, ""),
		},
		{
			name: "opaque",
			resp: &bucket.Response{URL: appURL, Type: bucket.TypeOpaque},
		},
		{
			name: "cors 200",
			resp: &bucket.Response{URL: appURL, Status: http.StatusOK, Type: bucket.TypeCORS, Body: []byte("x")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.install(t)
			f.fetcher.Serve(appURL, tt.resp)

			resp, err := f.agent.Fetch(context.Background(), getRequest(appURL))
			require.NoError(t, err)
			assert.Equal(t, tt.resp.Status, resp.Status)
			assert.Equal(t, tt.resp.Type, resp.Type)

			b, ok, err := f.storage.Lookup(context.Background(), cacheName)
			require.NoError(t, err)
			require.True(t, ok)
			stored, hit, err := b.Match(context.Background(), appURL)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, hit)
			if tt.wantStored {
				assert.Equal(t, resp.Body, stored.Body)
				assert.NotSame(t, resp, stored)
			}
		})
	}
}

func TestFetch_MissThenHit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.ServeString(appURL, http.StatusOK, "console.log(1)")

	for range 3 {
		resp, err := f.agent.Fetch(context.Background(), getRequest(appURL))
		require.NoError(t, err)
		assert.Equal(t, "console.log(1)", string(resp.Body))
	}
	assert.Equal(t, 1, f.fetcher.Calls(appURL))
}

func TestFetch_NonGetBypassesCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.install(t)
	f.fetcher.ServeString(manifestURL, http.StatusOK, "posted")

	req := httptest.NewRequest(http.MethodPost, manifestURL, nil)
	resp, err := f.agent.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "posted", string(resp.Body))
	assert.Equal(t, 2, f.fetcher.Calls(manifestURL))
}

func TestFetch_NetworkErrorWithoutCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	netErr := errors.New("connection reset")
	f.fetcher.Fail(appURL, netErr)

	_, err := f.agent.Fetch(context.Background(), getRequest(appURL))
	require.ErrorIs(t, err, netErr)
}

func TestFetch_WriteFailureIsIgnored(t *testing.T) {
	t.Parallel()

	storage := memory.New()
	fetcher := testutil.NewMockFetcher().ServeString(appURL, http.StatusOK, "console.log(1)")
	agent, err := offline.New(offline.DefaultConfig(), testutil.FailingPuts(storage, errors.New("quota exceeded")), fetcher)
	require.NoError(t, err)

	resp, err := agent.Fetch(context.Background(), getRequest(appURL))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(resp.Body))
}

func TestFetch_ConcurrentMissesShareRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.ServeString(appURL, http.StatusOK, "console.log(1)")
	f.fetcher.Gate = make(chan struct{})

	const callers = 8
	var (
		started sync.WaitGroup
		done    sync.WaitGroup
		bodies  = make([]string, callers)
	)
	started.Add(callers)
	done.Add(callers)
	for i := range callers {
		go func() {
			defer done.Done()
			started.Done()
			resp, err := f.agent.Fetch(context.Background(), getRequest(appURL))
			if err == nil {
				bodies[i] = string(resp.Body)
			}
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return f.fetcher.Calls(appURL) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.fetcher.Gate)
	done.Wait()

	assert.Equal(t, 1, f.fetcher.Calls(appURL))
	for _, body := range bodies {
		assert.Equal(t, "console.log(1)", body)
	}
}

func TestFetch_CancelledCallerDoesNotFailSharedMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fetcher.ServeString(appURL, http.StatusOK, "console.log(1)")
	f.fetcher.Gate = make(chan struct{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.agent.Fetch(leaderCtx, getRequest(appURL))
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return f.fetcher.Calls(appURL) == 1 }, time.Second, time.Millisecond)

	type result struct {
		resp *bucket.Response
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		resp, err := f.agent.Fetch(context.Background(), getRequest(appURL))
		follower <- result{resp, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(f.fetcher.Gate)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, "console.log(1)", string(got.resp.Body))
	assert.Equal(t, 1, f.fetcher.Calls(appURL))
}
