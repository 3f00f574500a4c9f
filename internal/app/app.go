// Package app wires the sync engine together from configuration.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/bridge"
	"github.com/javanhut/settingsync/internal/config"
	"github.com/javanhut/settingsync/internal/localstate"
	"github.com/javanhut/settingsync/internal/metrics"
	"github.com/javanhut/settingsync/internal/pack"
	"github.com/javanhut/settingsync/internal/remote"
	"github.com/javanhut/settingsync/internal/settingslog"
	"github.com/javanhut/settingsync/internal/snapshot"
	"github.com/javanhut/settingsync/internal/transport"
	"github.com/javanhut/settingsync/internal/transport/localfs"
	"github.com/javanhut/settingsync/internal/transport/sthree"
)

// App holds the components of one replica.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Log       *settingslog.Log
	Transport transport.Transport
	Remote    *remote.Communicator
	Scanner   *localstate.Scanner
	Applier   *localstate.Applier
	Bridge    *bridge.Bridge

	// Fresh is set when the settings log was created by Open.
	Fresh bool

	fs afero.Fs
}

// Option adjusts how an App is built.
type Option func(*App)

// WithFs replaces the file system holding the settings files.
func WithFs(fs afero.Fs) Option {
	return func(a *App) { a.fs = fs }
}

// WithTransport replaces the transport built from the remote configuration.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.Transport = t }
}

// Open opens the settings log and builds every component.
func Open(cfg *config.Config, logger *zap.Logger, bridgeOpts []bridge.Option, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		fs:       afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Metrics = metrics.New(a.Registry)

	if a.Transport == nil {
		t, err := NewTransport(cfg)
		if err != nil {
			return nil, err
		}
		a.Transport = t
	}

	info := cfg.AppInfo()
	lg, err := settingslog.Open(cfg.LogPath(), logger.Named("log"), settingslog.WithAppInfo(info))
	if err != nil {
		return nil, err
	}
	if a.Fresh, err = lg.Initialize(); err != nil {
		lg.Close()
		return nil, err
	}
	a.Log = lg

	filter, err := localstate.NewFilter(cfg.Sync.Include, cfg.Sync.Exclude, ignoredPaths(cfg)...)
	if err != nil {
		lg.Close()
		return nil, err
	}
	a.Scanner = localstate.NewScanner(a.fs, cfg.Root, filter, info)
	a.Applier = localstate.NewApplier(a.fs, cfg.Root, logger.Named("applier"), a.logReload)
	a.Remote = remote.New(a.Transport, pack.NewCodec(), cfg.Object, lg, logger.Named("remote"))

	bopts := append([]bridge.Option{
		bridge.WithDebounce(cfg.Sync.Debounce),
		bridge.WithMetrics(a.Metrics),
	}, bridgeOpts...)
	a.Bridge = bridge.New(lg, a.Remote, a.Applier, logger.Named("bridge"), bopts...)
	return a, nil
}

// NewTransport builds the transport selected by remote.kind.
func NewTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Remote.Kind {
	case config.RemoteLocalFS:
		return localfs.New(afero.NewOsFs(), cfg.Remote.Path), nil
	case config.RemoteS3:
		awsCfg := aws.NewConfig()
		if cfg.Remote.Region != "" {
			awsCfg = awsCfg.WithRegion(cfg.Remote.Region)
		}
		if cfg.Remote.Endpoint != "" {
			awsCfg = awsCfg.WithEndpoint(cfg.Remote.Endpoint).WithS3ForcePathStyle(true)
		}
		return sthree.New(sthree.Bucket(cfg.Remote.Bucket), sthree.Prefix(cfg.Remote.Prefix), sthree.AWSConfig(awsCfg))
	}
	return nil, fmt.Errorf("unknown remote kind %q", cfg.Remote.Kind)
}

// ignoredPaths keeps the data directory out of the sync when it lives under the root.
func ignoredPaths(cfg *config.Config) []string {
	rel, err := filepath.Rel(cfg.Root, cfg.DataDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	return []string{filepath.ToSlash(rel)}
}

func (a *App) logReload(_ context.Context, changed []string) error {
	a.Logger.Info("settings changed on disk", zap.Strings("paths", changed))
	return nil
}

// Seed records the current local files on the local branch.
func (a *App) Seed(ctx context.Context) (settingslog.Position, error) {
	snap, err := a.Scanner.Scan(ctx)
	if err != nil {
		return "", err
	}
	return a.Log.SeedFromCurrentLocalState(snap)
}

// Watcher creates a file watcher feeding the bridge.
func (a *App) Watcher() *localstate.Watcher {
	return localstate.NewWatcher(a.Scanner, a.Applier, a.Config.Sync.WatchDebounce,
		a.Logger.Named("watcher"), a.Bridge.LocalChanged)
}

// Scheduler creates the periodic poller for the bridge.
func (a *App) Scheduler() *bridge.Scheduler {
	return bridge.NewScheduler(a.Bridge, a.Config.Sync.Interval, a.Logger.Named("scheduler"))
}

// Current returns the merged settings state.
func (a *App) Current() (*snapshot.Snapshot, error) {
	return a.Log.CollectCurrentSnapshot()
}

// Close stops the bridge worker and closes the log.
func (a *App) Close() error {
	a.Bridge.Stop()
	return multierr.Combine(a.Log.Close(), syncLogger(a.Logger))
}

// syncLogger flushes the logger; stderr does not support fsync and is ignored.
func syncLogger(l *zap.Logger) error {
	if err := l.Sync(); err != nil && !strings.Contains(err.Error(), "/dev/stderr") {
		return err
	}
	return nil
}
