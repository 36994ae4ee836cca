package sqlite

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline/bucket"
	"github.com/meigma/offline/bucket/buckettest"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "buckets.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage(t *testing.T) {
	t.Parallel()

	buckettest.Run(t, func(t *testing.T) bucket.Storage {
		return testStorage(t)
	})
}

func TestNewCreatesDB(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "subdir", "buckets.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("expected database file to be created")
	}
}

func TestCorruptRowIsDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testStorage(t)
	b, err := s.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)

	key := "http://example.com/app.js"
	require.NoError(t, b.Put(ctx, key, &bucket.Response{URL: key, Status: http.StatusOK, Body: []byte("ok")}))

	_, err = s.db.ExecContext(ctx, `UPDATE entries SET body = ? WHERE key = ?`, []byte("tampered"), key)
	require.NoError(t, err)

	_, ok, err := b.Match(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "buckets.db")

	s1, err := New(dbPath)
	require.NoError(t, err)
	b, err := s1.Open(ctx, "app-v1.0.0")
	require.NoError(t, err)
	key := "http://example.com/manifest.json"
	require.NoError(t, b.Put(ctx, key, &bucket.Response{
		URL:    key,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/manifest+json"}},
		Body:   []byte(`{"name":"dashboard"}`),
		Type:   bucket.TypeBasic,
	}))
	require.NoError(t, s1.Close())

	s2, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	b2, ok, err := s2.Lookup(ctx, "app-v1.0.0")
	require.NoError(t, err)
	require.True(t, ok)
	got, ok, err := b2.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"name":"dashboard"}`, string(got.Body))
	assert.Equal(t, "application/manifest+json", got.Header.Get("Content-Type"))
	assert.Equal(t, bucket.TypeBasic, got.Type)
}
