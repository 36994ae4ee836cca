// Package testutil provides test doubles for the agent's host and network.
package testutil

import (
	"context"
	"net/http"
	"sync"

	"github.com/meigma/offline"
	"github.com/meigma/offline/bucket"
)

// MockFetcher implements offline.Fetcher with scripted responses.
//
// URLs without a scripted response or error get a same-origin 404.
type MockFetcher struct {
	mu        sync.Mutex
	responses map[string]*bucket.Response
	errs      map[string]error
	offline   error
	calls     map[string]int
	total     int

	// Gate, when set, blocks every Fetch until it is closed.
	Gate chan struct{}
}

// NewMockFetcher returns a fetcher with nothing scripted.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		responses: make(map[string]*bucket.Response),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

// Serve scripts resp for url.
func (f *MockFetcher) Serve(url string, resp *bucket.Response) *MockFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = resp.Clone()
	delete(f.errs, url)
	return f
}

// ServeString scripts a same-origin response with the given status and body.
func (f *MockFetcher) ServeString(url string, status int, body string) *MockFetcher {
	return f.Serve(url, Response(url, status, body))
}

// Fail makes requests for url fail with err.
func (f *MockFetcher) Fail(url string, err error) *MockFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
	return f
}

// SetOffline makes every request fail with err. A nil err restores the network.
func (f *MockFetcher) SetOffline(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = err
}

// Calls returns how many requests were made for url.
func (f *MockFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// TotalCalls returns how many requests were made in total.
func (f *MockFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// Fetch implements offline.Fetcher.
func (f *MockFetcher) Fetch(ctx context.Context, req *http.Request) (*bucket.Response, error) {
	url := bucket.KeyFromURL(req.URL)

	f.mu.Lock()
	f.calls[url]++
	f.total++
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline != nil {
		return nil, f.offline
	}
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if resp, ok := f.responses[url]; ok {
		return resp.Clone(), nil
	}
	return Response(url, http.StatusNotFound, "not found"), nil
}

// Response builds a same-origin response snapshot.
func Response(url string, status int, body string) *bucket.Response {
	return &bucket.Response{
		URL:        url,
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       []byte(body),
		Type:       bucket.TypeBasic,
	}
}

// RecordingHost implements offline.Host and records every call.
type RecordingHost struct {
	mu          sync.Mutex
	skipWaiting int
	claims      int
	shown       []offline.Notification
	closed      []string
	opened      []string

	// ShowErr, when set, is returned from ShowNotification.
	ShowErr error
	// OpenErr, when set, is returned from OpenWindow.
	OpenErr error
}

// SkipWaiting implements offline.Host.
func (h *RecordingHost) SkipWaiting(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipWaiting++
	return nil
}

// Claim implements offline.Host.
func (h *RecordingHost) Claim(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claims++
	return nil
}

// ShowNotification implements offline.Host.
func (h *RecordingHost) ShowNotification(_ context.Context, n offline.Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ShowErr != nil {
		return h.ShowErr
	}
	h.shown = append(h.shown, n)
	return nil
}

// CloseNotification implements offline.Host.
func (h *RecordingHost) CloseNotification(_ context.Context, tag string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, tag)
	return nil
}

// OpenWindow implements offline.Host.
func (h *RecordingHost) OpenWindow(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenErr != nil {
		return h.OpenErr
	}
	h.opened = append(h.opened, url)
	return nil
}

// SkipWaitingCalls returns how many times SkipWaiting was called.
func (h *RecordingHost) SkipWaitingCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipWaiting
}

// ClaimCalls returns how many times Claim was called.
func (h *RecordingHost) ClaimCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claims
}

// Shown returns the notifications shown so far.
func (h *RecordingHost) Shown() []offline.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]offline.Notification(nil), h.shown...)
}

// Closed returns the tags of closed notifications.
func (h *RecordingHost) Closed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

// Opened returns the URLs of opened windows.
func (h *RecordingHost) Opened() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...)
}

// FailingPuts wraps storage so that every bucket write fails with err.
func FailingPuts(storage bucket.Storage, err error) bucket.Storage {
	return &failingStorage{Storage: storage, err: err}
}

type failingStorage struct {
	bucket.Storage
	err error
}

func (s *failingStorage) Open(ctx context.Context, name string) (bucket.Bucket, error) {
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &failingBucket{Bucket: b, err: s.err}, nil
}

func (s *failingStorage) Lookup(ctx context.Context, name string) (bucket.Bucket, bool, error) {
	b, ok, err := s.Storage.Lookup(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &failingBucket{Bucket: b, err: s.err}, true, nil
}

type failingBucket struct {
	bucket.Bucket
	err error
}

func (b *failingBucket) Put(context.Context, string, *bucket.Response) error {
	return b.err
}

func (b *failingBucket) PutAll(context.Context, []bucket.Entry) error {
	return b.err
}
