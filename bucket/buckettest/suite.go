// Package buckettest provides a conformance suite for bucket.Storage
// implementations.
package buckettest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline/bucket"
)

// Factory returns a fresh, empty storage for a single subtest.
type Factory func(t *testing.T) bucket.Storage

// Run exercises the bucket.Storage contract against storages built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s bucket.Storage)
	}{
		{"OpenCreates", testOpenCreates},
		{"OpenEmptyName", testOpenEmptyName},
		{"LookupMissing", testLookupMissing},
		{"PutMatch", testPutMatch},
		{"PutReplaces", testPutReplaces},
		{"MatchMiss", testMatchMiss},
		{"PutAll", testPutAll},
		{"PutAllRejectsNil", testPutAllRejectsNil},
		{"DeleteEntry", testDeleteEntry},
		{"KeysInsertionOrder", testKeysInsertionOrder},
		{"StorageKeysCreationOrder", testStorageKeysCreationOrder},
		{"DeleteBucket", testDeleteBucket},
		{"WriteAfterDelete", testWriteAfterDelete},
		{"StoredCopyIsolated", testStoredCopyIsolated},
		{"ConcurrentPut", testConcurrentPut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.fn(t, newStorage(t))
		})
	}
}

func sample(url, body string) *bucket.Response {
	return &bucket.Response{
		URL:        url,
		Status:     http.StatusOK,
		StatusText: "200 OK",
		Header:     http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       []byte(body),
		Type:       bucket.TypeBasic,
	}
}

func testOpenCreates(t *testing.T, s bucket.Storage) {
	ctx := context.Background()

	has, err := s.Has(ctx, "app-v1.0.0")
	require.NoError(t, err)
	assert.False(t, has)

	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "app-v1.0.0", b.Name())

	has, err = s.Has(ctx, "app-v1.0.0")
	require.NoError(t, err)
	assert.True(t, has)

	again, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "http://example.com/a", sample("http://example.com/a", "a")))
	_, ok, err := again.Match(ctx, "http://example.com/a")
	require.NoError(t, err)
	assert.True(t, ok, "second Open should return the same bucket")

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1.0.0"}, keys)
}

func testOpenEmptyName(t *testing.T, s bucket.Storage) {
	_, err := s.Open(context.Background(), "")
	require.ErrorIs(t, err, bucket.ErrInvalidName)
}

func testLookupMissing(t *testing.T, s bucket.Storage) {
	ctx := context.Background()

	b, ok, err := s.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, b)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "Lookup must not create buckets")
}

func testPutMatch(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	want := sample("http://example.com/app.js", "console.log(1)")
	want.Header.Set("ETag", `"abc"`)
	require.NoError(t, b.Put(ctx, "http://example.com/app.js", want))

	got, ok, err := b.Match(ctx, "http://example.com/app.js")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.URL, got.URL)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.StatusText, got.StatusText)
	assert.Equal(t, want.Body, got.Body)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, `"abc"`, got.Header.Get("ETag"))
	assert.Equal(t, "text/plain; charset=utf-8", got.Header.Get("Content-Type"))

	viaLookup, found, err := s.Lookup(ctx, "app-v1.0.0")
	require.NoError(t, err)
	require.True(t, found)
	_, ok, err = viaLookup.Match(ctx, "http://example.com/app.js")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testPutReplaces(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	key := "http://example.com/data.json"
	require.NoError(t, b.Put(ctx, key, sample(key, "v1")))
	require.NoError(t, b.Put(ctx, key, sample(key, "v2")))

	got, ok, err := b.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got.Body)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func testMatchMiss(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	got, ok, err := b.Match(ctx, "http://example.com/nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func testPutAll(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	entries := []bucket.Entry{
		{Key: "http://example.com/index.html", Response: sample("http://example.com/index.html", "<html>")},
		{Key: "http://example.com/manifest.json", Response: sample("http://example.com/manifest.json", "{}")},
	}
	require.NoError(t, b.PutAll(ctx, entries))

	for _, e := range entries {
		got, ok, err := b.Match(ctx, e.Key)
		require.NoError(t, err)
		require.True(t, ok, e.Key)
		assert.Equal(t, e.Response.Body, got.Body)
	}
}

func testPutAllRejectsNil(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	entries := []bucket.Entry{
		{Key: "http://example.com/ok", Response: sample("http://example.com/ok", "ok")},
		{Key: "http://example.com/nil", Response: nil},
	}
	require.ErrorIs(t, b.PutAll(ctx, entries), bucket.ErrNilResponse)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys, "a failed PutAll must not store anything")
}

func testDeleteEntry(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	key := "http://example.com/a"
	require.NoError(t, b.Put(ctx, key, sample(key, "a")))

	deleted, err := b.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, ok, err := b.Match(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testKeysInsertionOrder(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	want := []string{
		"http://example.com/c",
		"http://example.com/a",
		"http://example.com/b",
	}
	for _, k := range want {
		require.NoError(t, b.Put(ctx, k, sample(k, k)))
	}

	got, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testStorageKeysCreationOrder(t *testing.T, s bucket.Storage) {
	ctx := context.Background()

	want := []string{"app-v2.0.0", "app-v1.0.0", "other-v0.1.0"}
	for _, name := range want {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}

	got, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testDeleteBucket(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "http://example.com/a", sample("http://example.com/a", "a")))
	_, err = s.Open(ctx, "app-v2.0.0")
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, "app-v1.0.0")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "app-v1.0.0")
	require.NoError(t, err)
	assert.False(t, deleted)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v2.0.0"}, keys)

	reopened, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)
	_, ok, err := reopened.Match(ctx, "http://example.com/a")
	require.NoError(t, err)
	assert.False(t, ok, "a recreated bucket must start empty")
}

func testWriteAfterDelete(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	_, err = s.Delete(ctx, "app-v1.0.0")
	require.NoError(t, err)

	err = b.Put(ctx, "http://example.com/a", sample("http://example.com/a", "a"))
	require.ErrorIs(t, err, bucket.ErrBucketDeleted)

	_, ok, err := b.Match(ctx, "http://example.com/a")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := s.Has(ctx, "app-v1.0.0")
	require.NoError(t, err)
	assert.False(t, has, "writing through a stale handle must not resurrect the bucket")
}

func testStoredCopyIsolated(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	key := "http://example.com/a"
	resp := sample(key, "original")
	require.NoError(t, b.Put(ctx, key, resp))
	resp.Body[0] = 'X'
	resp.Header.Set("Content-Type", "changed")

	got, ok, err := b.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got.Body)
	assert.Equal(t, "text/plain; charset=utf-8", got.Header.Get("Content-Type"))

	got.Body[0] = 'Y'
	again, _, err := b.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again.Body)
}

func testConcurrentPut(t *testing.T, s bucket.Storage) {
	ctx := context.Background()
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("http://example.com/%d", i)
			errs <- b.Put(ctx, key, sample(key, key))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, n)
}
