// Package config loads the offline CLI configuration from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/meigma/offline"
	"github.com/meigma/offline/bucket"
	"github.com/meigma/offline/bucket/disk"
	"github.com/meigma/offline/bucket/memory"
	"github.com/meigma/offline/bucket/sqlite"
	"github.com/meigma/offline/host"
	offlinehttp "github.com/meigma/offline/http"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendSQLite = "sqlite"
)

// File is the on-disk configuration.
type File struct {
	Agent        Agent        `toml:"agent"`
	Notification Notification `toml:"notification"`
	Storage      Storage      `toml:"storage"`
	Server       Server       `toml:"server"`
	Sync         Sync         `toml:"sync"`
	Log          Log          `toml:"log"`
}

// Agent holds the agent's cache settings.
type Agent struct {
	App                string   `toml:"app"                 env:"OFFLINE_APP"`
	Version            string   `toml:"version"             env:"OFFLINE_VERSION"`
	Scope              string   `toml:"scope"               env:"OFFLINE_SCOPE"`
	StaticAssets       []string `toml:"static_assets"       env:"OFFLINE_STATIC_ASSETS" envSeparator:","`
	OfflineDocument    string   `toml:"offline_document"    env:"OFFLINE_OFFLINE_DOCUMENT"`
	SyncTag            string   `toml:"sync_tag"            env:"OFFLINE_SYNC_TAG"`
	InstallConcurrency int      `toml:"install_concurrency" env:"OFFLINE_INSTALL_CONCURRENCY"`
}

// Notification holds the push notification template.
type Notification struct {
	Title       string   `toml:"title"        env:"OFFLINE_NOTIFICATION_TITLE"`
	DefaultBody string   `toml:"default_body" env:"OFFLINE_NOTIFICATION_BODY"`
	Icon        string   `toml:"icon"`
	Badge       string   `toml:"badge"`
	Vibrate     []int    `toml:"vibrate"`
	Actions     []Action `toml:"actions"`
}

// Action is a notification button.
type Action struct {
	Action string `toml:"action"`
	Title  string `toml:"title"`
	Icon   string `toml:"icon,omitempty"`
}

// Storage selects the bucket storage backend.
type Storage struct {
	// Backend is one of memory, disk, or sqlite.
	Backend string `toml:"backend" env:"OFFLINE_STORAGE_BACKEND"`
	// Path is the directory (disk) or database file (sqlite).
	Path string `toml:"path" env:"OFFLINE_STORAGE_PATH"`
}

// Server configures the HTTP front end.
type Server struct {
	Listen          string        `toml:"listen"           env:"OFFLINE_LISTEN"`
	Upstream        string        `toml:"upstream"         env:"OFFLINE_UPSTREAM"`
	HTTP2           bool          `toml:"http2"            env:"OFFLINE_HTTP2"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"   env:"OFFLINE_MAX_BODY_BYTES"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"OFFLINE_SHUTDOWN_TIMEOUT"`
}

// Sync configures background sync retries.
type Sync struct {
	MaxAttempts int           `toml:"max_attempts" env:"OFFLINE_SYNC_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `toml:"base_delay"   env:"OFFLINE_SYNC_BASE_DELAY"`
	MaxDelay    time.Duration `toml:"max_delay"    env:"OFFLINE_SYNC_MAX_DELAY"`
}

// Log configures logging.
type Log struct {
	// Level is debug, info, warn, or error.
	Level string `toml:"level" env:"OFFLINE_LOG_LEVEL"`
	// Format is text or json.
	Format string `toml:"format" env:"OFFLINE_LOG_FORMAT"`
}

// Default returns the configuration written by `offline init`.
func Default() File {
	cfg := offline.DefaultConfig()
	policy := host.DefaultSyncPolicy()

	actions := make([]Action, 0, len(cfg.Notification.Actions))
	for _, a := range cfg.Notification.Actions {
		actions = append(actions, Action(a))
	}
	return File{
		Agent: Agent{
			App:                cfg.App,
			Version:            cfg.Version,
			Scope:              cfg.Scope,
			StaticAssets:       cfg.StaticAssets,
			OfflineDocument:    cfg.OfflineDocument,
			SyncTag:            cfg.SyncTag,
			InstallConcurrency: offline.DefaultInstallConcurrency,
		},
		Notification: Notification{
			Title:       cfg.Notification.Title,
			DefaultBody: cfg.Notification.DefaultBody,
			Icon:        cfg.Notification.Icon,
			Badge:       cfg.Notification.Badge,
			Vibrate:     cfg.Notification.Vibrate,
			Actions:     actions,
		},
		Storage: Storage{Backend: BackendDisk},
		Server: Server{
			Listen:          "127.0.0.1:8080",
			MaxBodyBytes:    offlinehttp.DefaultMaxBodyBytes,
			ShutdownTimeout: 10 * time.Second,
		},
		Sync: Sync{
			MaxAttempts: policy.MaxAttempts,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// DefaultPath returns ~/.config/offline/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "offline", "config.toml"), nil
}

// Load reads the file at path over the defaults and applies environment
// overrides. A missing file is not an error; defaults and environment apply.
func Load(path string) (File, error) {
	f := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return File{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&f); err != nil {
		return File{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := f.AgentConfig().Validate(); err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

// Save writes f to path, creating the directory if needed.
func Save(path string, f File) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: failed to create directory %s: %w", dir, err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: failed to create %s: %w", path, err)
	}
	defer out.Close()

	if err := toml.NewEncoder(out).Encode(f); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}
	return out.Close()
}

// AgentConfig returns the agent configuration described by f.
func (f File) AgentConfig() offline.Config {
	actions := make([]offline.NotificationAction, 0, len(f.Notification.Actions))
	for _, a := range f.Notification.Actions {
		actions = append(actions, offline.NotificationAction(a))
	}
	return offline.Config{
		App:             f.Agent.App,
		Version:         f.Agent.Version,
		Scope:           f.Agent.Scope,
		StaticAssets:    f.Agent.StaticAssets,
		OfflineDocument: f.Agent.OfflineDocument,
		SyncTag:         f.Agent.SyncTag,
		Notification: offline.NotificationConfig{
			Title:       f.Notification.Title,
			DefaultBody: f.Notification.DefaultBody,
			Icon:        f.Notification.Icon,
			Badge:       f.Notification.Badge,
			Vibrate:     f.Notification.Vibrate,
			Actions:     actions,
		},
	}
}

// SyncPolicy returns the runtime's sync retry policy.
func (f File) SyncPolicy() host.SyncPolicy {
	return host.SyncPolicy{
		MaxAttempts: f.Sync.MaxAttempts,
		BaseDelay:   f.Sync.BaseDelay,
		MaxDelay:    f.Sync.MaxDelay,
	}
}

// OpenStorage opens the configured storage backend. The returned close
// function releases it.
func (f File) OpenStorage() (bucket.Storage, func() error, error) {
	nop := func() error { return nil }
	switch strings.ToLower(f.Storage.Backend) {
	case BackendMemory:
		return memory.New(), nop, nil
	case BackendDisk, "":
		path, err := f.storagePath("buckets")
		if err != nil {
			return nil, nil, err
		}
		s, err := disk.New(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case BackendSQLite:
		path, err := f.storagePath("offline.db")
		if err != nil {
			return nil, nil, err
		}
		s, err := sqlite.New(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("config: unknown storage backend %q", f.Storage.Backend)
	}
}

func (f File) storagePath(name string) (string, error) {
	if f.Storage.Path != "" {
		return f.Storage.Path, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("config: cannot determine cache directory: %w", err)
	}
	return filepath.Join(dir, "offline", name), nil
}

// Fetcher builds the network fetcher for the agent's scope.
func (f File) Fetcher() (*offlinehttp.Fetcher, error) {
	opts := []offlinehttp.Option{offlinehttp.WithMaxBodyBytes(f.Server.MaxBodyBytes)}
	if f.Server.Upstream != "" {
		opts = append(opts, offlinehttp.WithUpstream(f.Server.Upstream))
	}
	if f.Server.HTTP2 {
		opts = append(opts, offlinehttp.WithHTTP2(nil))
	}
	return offlinehttp.NewFetcher(f.Agent.Scope, opts...)
}

// Logger builds a logger writing to w at the configured level and format.
func (f File) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return nil, fmt.Errorf("config: log level %q: %w", f.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(f.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("config: unknown log format %q", f.Log.Format)
	}
}
