package offline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline"
	"github.com/meigma/offline/internal/testutil"
)

func TestDestinationOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		header map[string]string
		want   offline.Destination
	}{
		{"sec-fetch-dest document", http.MethodGet, map[string]string{"Sec-Fetch-Dest": "document"}, offline.DestinationDocument},
		{"sec-fetch-dest script", http.MethodGet, map[string]string{"Sec-Fetch-Dest": "script", "Accept": "text/html"}, "script"},
		{"navigate mode", http.MethodGet, map[string]string{"Sec-Fetch-Mode": "navigate"}, offline.DestinationDocument},
		{"accept html first", http.MethodGet, map[string]string{"Accept": "text/html,application/xhtml+xml;q=0.9"}, offline.DestinationDocument},
		{"accept json", http.MethodGet, map[string]string{"Accept": "application/json, text/html"}, offline.DestinationEmpty},
		{"post accepting html", http.MethodPost, map[string]string{"Accept": "text/html"}, offline.DestinationEmpty},
		{"no hints", http.MethodGet, nil, offline.DestinationEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, "http://localhost:8080/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, offline.DestinationOf(req))
		})
	}

	assert.Equal(t, offline.DestinationEmpty, offline.DestinationOf(nil))
}

func TestEventKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "install", offline.EventInstall.String())
	assert.Equal(t, "notificationclick", offline.EventNotificationClick.String())
	assert.Equal(t, "unhandledrejection", offline.EventUnhandledRejection.String())
	assert.Equal(t, "unknown", offline.EventKind(0).String())
}

func TestFetchEvent_RespondWithOnce(t *testing.T) {
	t.Parallel()

	ev := offline.NewFetchEvent(getRequest(manifestURL))
	assert.False(t, ev.Responded())

	first := testutil.Response(manifestURL, http.StatusOK, "first")
	require.NoError(t, ev.RespondWith(first, nil))
	err := ev.RespondWith(testutil.Response(manifestURL, http.StatusOK, "second"), nil)
	require.ErrorIs(t, err, offline.ErrAlreadyResponded)

	got, err := ev.Result()
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.True(t, ev.Responded())
}

func TestWaitUntil_NotDispatched(t *testing.T) {
	t.Parallel()

	ev := &offline.SyncEvent{Tag: offline.DefaultSyncTag}
	err := ev.WaitUntil(func(context.Context) error { return nil })
	require.ErrorIs(t, err, offline.ErrNotDispatched)
}

func TestWaitUntil_AfterSettle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ev := &offline.SyncEvent{Tag: "other-tag"}
	require.NoError(t, f.agent.Dispatch(context.Background(), ev))

	err := ev.WaitUntil(func(context.Context) error { return nil })
	require.ErrorIs(t, err, offline.ErrLifetimeEnded)
}

func TestRejectionEvent_PreventDefault(t *testing.T) {
	t.Parallel()

	ev := &offline.RejectionEvent{Reason: errors.New("lost")}
	assert.False(t, ev.DefaultPrevented())
	ev.PreventDefault()
	assert.True(t, ev.DefaultPrevented())
}
