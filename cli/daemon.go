package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/javanhut/settingsync/internal/app"
	"github.com/javanhut/settingsync/internal/bridge"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the settings in sync in the background",
	Long: `Watches the settings files, polls the server at sync.interval and syncs
whenever something changes. SIGHUP triggers an immediate update check and sync.
SIGINT or SIGTERM stops the daemon.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

const shutdownTimeout = 5 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var logger *zap.Logger
	a, err := openApp(bridge.WithErrorReporter(bridge.ReporterFunc(func(err error) {
		if logger != nil {
			logger.Error("sync failed", zap.Error(err))
		}
	})))
	if err != nil {
		return err
	}
	logger = a.Logger.Named("daemon")

	if err := seed(ctx, a); err != nil {
		return multierr.Append(err, a.Close())
	}

	a.Bridge.Start(ctx)
	watcher := a.Watcher()
	if err := watcher.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("failed to watch %s: %w", a.Config.Root, err), a.Close())
	}
	scheduler := a.Scheduler()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("activation requested")
				scheduler.Activate()
			}
		}
	})
	if addr := a.Config.Metrics.Addr; addr != "" {
		srv := metricsServer(a, addr)
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Info("daemon started",
		zap.String("root", a.Config.Root),
		zap.Duration("interval", a.Config.Sync.Interval))
	a.Bridge.SyncSettings()

	runErr := g.Wait()
	logger.Info("daemon stopping")
	return multierr.Combine(runErr, watcher.Stop(), a.Close())
}

func metricsServer(a *app.App, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
