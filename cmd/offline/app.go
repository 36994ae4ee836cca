package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/meigma/offline"
	"github.com/meigma/offline/bucket"
	"github.com/meigma/offline/host"
	"github.com/meigma/offline/internal/config"
)

// app wires the configured storage, network, runtime, and agent.
type app struct {
	cfg     config.File
	logger  *slog.Logger
	storage bucket.Storage
	runtime *host.Runtime
	agent   *offline.Agent

	closeStorage func() error
}

func resolvePath(path *string) (string, error) {
	if *path != "" {
		return *path, nil
	}
	return config.DefaultPath()
}

func loadConfig(path *string) (config.File, error) {
	p, err := resolvePath(path)
	if err != nil {
		return config.File{}, err
	}
	return config.Load(p)
}

func newApp(path *string, hostOpts ...host.Option) (*app, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return nil, err
	}
	fetcher, err := cfg.Fetcher()
	if err != nil {
		return nil, err
	}
	storage, closeStorage, err := cfg.OpenStorage()
	if err != nil {
		return nil, err
	}

	hostOpts = append([]host.Option{
		host.WithLogger(logger.With("component", "host")),
		host.WithSyncPolicy(cfg.SyncPolicy()),
	}, hostOpts...)
	rt, err := host.New(cfg.Agent.Scope, fetcher, hostOpts...)
	if err != nil {
		_ = closeStorage()
		return nil, err
	}
	agent, err := offline.New(cfg.AgentConfig(), storage, fetcher,
		offline.WithHost(rt),
		offline.WithLogger(logger.With("component", "agent", "cache", cfg.AgentConfig().CacheName())),
		offline.WithInstallConcurrency(cfg.Agent.InstallConcurrency),
	)
	if err != nil {
		_ = closeStorage()
		return nil, err
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		storage:      storage,
		runtime:      rt,
		agent:        agent,
		closeStorage: closeStorage,
	}, nil
}

func (a *app) register(ctx context.Context) error {
	return a.runtime.Register(ctx, a.agent)
}

func (a *app) Close() error {
	return a.closeStorage()
}
