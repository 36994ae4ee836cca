package offline

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/mod/semver"
)

// Notification action identifiers.
const (
	// ActionOpen opens the dashboard document.
	ActionOpen = "explore"

	// ActionDismiss closes the notification without further work.
	ActionDismiss = "close"
)

// Defaults used by DefaultConfig.
const (
	DefaultApp             = "legaltech-officer-dashboard"
	DefaultVersion         = "2.1.0"
	DefaultScope           = "http://localhost:8080/"
	DefaultOfflineDocument = "./02yakuin-kanri-improved.html"
	DefaultManifest        = "./manifest.json"
	DefaultSyncTag         = "background-sync-officers"
)

// Config is the immutable configuration of an Agent.
//
// The Agent copies the Config at construction; later changes to the value
// passed to New have no effect.
type Config struct {
	// App and Version form the bucket name, "<app>-v<version>". Bump the
	// version to invalidate every previously cached asset on activation.
	App     string
	Version string

	// Scope is the absolute URL relative asset references resolve against.
	Scope string

	// StaticAssets are fetched and stored on install, all or nothing.
	StaticAssets []string

	// OfflineDocument is served for any document request while the network
	// is unavailable. It must be one of StaticAssets.
	OfflineDocument string

	// SyncTag selects the one background sync job the agent handles.
	SyncTag string

	Notification NotificationConfig
}

// NotificationConfig describes the notification shown for push events.
type NotificationConfig struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
	Vibrate     []int
	Actions     []NotificationAction
}

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// DefaultConfig returns the configuration of the officer dashboard release.
func DefaultConfig() Config {
	return Config{
		App:             DefaultApp,
		Version:         DefaultVersion,
		Scope:           DefaultScope,
		StaticAssets:    []string{DefaultOfflineDocument, DefaultManifest},
		OfflineDocument: DefaultOfflineDocument,
		SyncTag:         DefaultSyncTag,
		Notification: NotificationConfig{
			Title:       "LegalTech Officer Dashboard",
			DefaultBody: "Some officer terms are about to expire",
			Icon:        "./icon-192.png",
			Badge:       "./icon-72.png",
			Vibrate:     []int{100, 50, 100},
			Actions: []NotificationAction{
				{Action: ActionOpen, Title: "Review now", Icon: "./icon-96.png"},
				{Action: ActionDismiss, Title: "Review later", Icon: "./icon-96.png"},
			},
		},
	}
}

// CacheName returns the bucket name for this configuration.
func (c Config) CacheName() string {
	return CacheName(c.App, c.Version)
}

// CacheName builds a bucket name of the form "<app>-v<version>".
func CacheName(app, version string) string {
	return app + "-v" + version
}

// ParseCacheName splits a bucket name built by CacheName.
// It reports false if name does not end in a valid semantic version.
func ParseCacheName(name string) (app, version string, ok bool) {
	i := strings.LastIndex(name, "-v")
	for i > 0 {
		if fullSemver(name[i+1:]) {
			return name[:i], name[i+2:], true
		}
		i = strings.LastIndex(name[:i], "-v")
	}
	return "", "", false
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.App == "" || strings.ContainsAny(c.App, " \t\r\n/") {
		return fmt.Errorf("%w: app %q", ErrInvalidConfig, c.App)
	}
	if !fullSemver("v" + c.Version) {
		return fmt.Errorf("%w: version %q is not a semantic version", ErrInvalidConfig, c.Version)
	}
	scope, err := c.scopeURL()
	if err != nil {
		return err
	}
	if len(c.StaticAssets) == 0 {
		return fmt.Errorf("%w: no static assets", ErrInvalidConfig)
	}
	assets := make([]string, 0, len(c.StaticAssets))
	for _, ref := range c.StaticAssets {
		u, err := resolve(scope, ref)
		if err != nil {
			return err
		}
		assets = append(assets, u)
	}
	doc, err := resolve(scope, c.OfflineDocument)
	if err != nil {
		return err
	}
	if !slices.Contains(assets, doc) {
		return fmt.Errorf("%w: offline document %q is not a static asset", ErrInvalidConfig, c.OfflineDocument)
	}
	if c.SyncTag == "" {
		return fmt.Errorf("%w: empty sync tag", ErrInvalidConfig)
	}
	return nil
}

// fullSemver reports whether v is a semantic version with all three
// numeric components. semver.IsValid also accepts "v1" and "v1.2".
func fullSemver(v string) bool {
	if !semver.IsValid(v) {
		return false
	}
	core, _, _ := strings.Cut(v, "+")
	return semver.Canonical(v) == core
}

func (c Config) clone() Config {
	out := c
	out.StaticAssets = slices.Clone(c.StaticAssets)
	out.Notification.Vibrate = slices.Clone(c.Notification.Vibrate)
	out.Notification.Actions = slices.Clone(c.Notification.Actions)
	return out
}

func (c Config) scopeURL() (*url.URL, error) {
	u, err := url.Parse(c.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: scope: %w", ErrInvalidConfig, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: scope %q must be an absolute http(s) URL", ErrInvalidConfig, c.Scope)
	}
	return u, nil
}

func resolve(base *url.URL, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty URL reference", ErrInvalidConfig)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidConfig, ref, err)
	}
	abs := base.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}
