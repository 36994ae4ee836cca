package offline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/offline"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := offline.DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cacheName, cfg.CacheName())
	assert.Equal(t, []string{"./02yakuin-kanri-improved.html", "./manifest.json"}, cfg.StaticAssets)
	assert.Equal(t, "background-sync-officers", cfg.SyncTag)
	require.Len(t, cfg.Notification.Actions, 2)
	assert.Equal(t, offline.ActionOpen, cfg.Notification.Actions[0].Action)
	assert.Equal(t, offline.ActionDismiss, cfg.Notification.Actions[1].Action)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*offline.Config)
	}{
		{"empty app", func(c *offline.Config) { c.App = "" }},
		{"app with slash", func(c *offline.Config) { c.App = "a/b" }},
		{"version not semver", func(c *offline.Config) { c.Version = "2.1" }},
		{"version with v prefix", func(c *offline.Config) { c.Version = "v2.1.0" }},
		{"relative scope", func(c *offline.Config) { c.Scope = "/app/" }},
		{"non-http scope", func(c *offline.Config) { c.Scope = "ftp://example.com/" }},
		{"no assets", func(c *offline.Config) { c.StaticAssets = nil }},
		{"empty asset", func(c *offline.Config) { c.StaticAssets = append(c.StaticAssets, "") }},
		{"offline document not precached", func(c *offline.Config) { c.OfflineDocument = "./other.html" }},
		{"empty sync tag", func(c *offline.Config) { c.SyncTag = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := offline.DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), offline.ErrInvalidConfig)
		})
	}
}

func TestConfig_ValidateResolvesEquivalentReferences(t *testing.T) {
	t.Parallel()

	cfg := offline.DefaultConfig()
	cfg.OfflineDocument = "/02yakuin-kanri-improved.html#top"
	require.NoError(t, cfg.Validate())
}

func TestParseCacheName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		wantApp     string
		wantVersion string
		wantOK      bool
	}{
		{"legaltech-officer-dashboard-v2.1.0", "legaltech-officer-dashboard", "2.1.0", true},
		{"app-v1.0.0-rc.1", "app", "1.0.0-rc.1", true},
		{"my-vault-v2-v3.0.0", "my-vault-v2", "3.0.0", true},
		{"no-version", "", "", false},
		{"app-vnext", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, version, ok := offline.ParseCacheName(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantApp, app)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}

func TestCacheName_RoundTrip(t *testing.T) {
	t.Parallel()

	app, version, ok := offline.ParseCacheName(offline.CacheName("dash", "3.4.5"))
	require.True(t, ok)
	assert.Equal(t, "dash", app)
	assert.Equal(t, "3.4.5", version)
}
