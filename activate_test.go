package offline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline"
)

func TestActivate_DeletesStaleBuckets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	for _, name := range []string{"legaltech-officer-dashboard-v2.0.0", "unrelated-cache"} {
		_, err := f.storage.Open(ctx, name)
		require.NoError(t, err)
	}
	f.install(t)

	if err := f.agent.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	names, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cacheName}, names)
	assert.Equal(t, 1, f.host.ClaimCalls())
}

func TestActivate_NewVersionRetiresOld(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.install(t)
	require.NoError(t, f.agent.Activate(ctx))

	cfg := offline.DefaultConfig()
	cfg.Version = "2.2.0"
	next, err := offline.New(cfg, f.storage, f.fetcher, offline.WithHost(f.host))
	require.NoError(t, err)
	require.NoError(t, next.Install(ctx))
	require.NoError(t, next.Activate(ctx))

	names, err := f.storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"legaltech-officer-dashboard-v2.2.0"}, names)
	assert.Equal(t, 2, f.host.ClaimCalls())
}

func TestActivate_NoBuckets(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.agent.Activate(context.Background()))

	names, err := f.storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 1, f.host.ClaimCalls())
}
