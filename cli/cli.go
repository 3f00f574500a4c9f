package cli

import (
	"context"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/app"
	"github.com/javanhut/settingsync/internal/bridge"
	"github.com/javanhut/settingsync/internal/colors"
	"github.com/javanhut/settingsync/internal/config"
	"github.com/javanhut/settingsync/internal/logging"
	"github.com/javanhut/settingsync/internal/remote"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "settingsync",
	Short: "settingsync keeps application settings in sync across machines",
	Long: `settingsync records the settings files of an application in a local log,
merges them with the copy kept on a shared server and writes the merged
result back, so every machine ends up with the same settings.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colors.ErrorText("Error: "+err.Error()))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error or none")

	rootCmd.AddCommand(initCmd, statusCmd, logCmd, restoreCmd, daemonCmd, configCmd, remoteCmd)
	rootCmd.AddCommand(syncCmd, pushCmd, pullCmd)
}

// loadConfig reads the configuration, applying the --log-level flag.
func loadConfig() (*config.Manager, *config.Config, error) {
	m := config.NewManager(cfgFile)
	if err := m.Viper().BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		return nil, nil, err
	}
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if level == "" {
		level = logging.LevelInfo
	}
	return logging.New(level, cfg.Log.File)
}

// openApp opens the replica described by the configuration.
func openApp(bridgeOpts ...bridge.Option) (*app.App, error) {
	_, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	return app.Open(cfg, logger, bridgeOpts)
}

// seed records local edits made while settingsync was not running.
func seed(ctx context.Context, a *app.App) error {
	if _, err := a.Seed(ctx); err != nil {
		return fmt.Errorf("failed to record local settings: %w", err)
	}
	return nil
}

func printReport(cmd *cobra.Command, rep bridge.CycleReport) error {
	out := cmd.OutOrStdout()
	if rep.Server != nil {
		fmt.Fprintf(out, "Server: %s\n", colors.InfoText(rep.Server.Status.String()))
	}
	if rep.Advance.Moved() {
		fmt.Fprintf(out, "Master: %s (%s)\n", rep.Advance.Position.Short(), rep.Advance.Kind)
		if len(rep.Advance.Conflicts) > 0 {
			fmt.Fprintf(out, "%s %v\n", colors.WarningText("Conflicts resolved by whole-side fallback:"), rep.Advance.Conflicts)
		}
	}
	if rep.LocalApplied {
		fmt.Fprintln(out, "Local settings updated")
	}
	if rep.Push != nil {
		switch rep.Push.Status {
		case remote.PushSuccess:
			fmt.Fprintf(out, "%s version %s\n", colors.SuccessText("Pushed"), rep.Push.VersionID)
		case remote.PushRejected:
			fmt.Fprintln(out, colors.WarningText("Push rejected: the server has changed, run pull and try again"))
		}
	}
	if rep.Err == nil && !rep.Advance.Moved() && rep.Push == nil && !rep.LocalApplied {
		fmt.Fprintln(out, "Everything up to date")
	}
	return rep.Err
}

func humanSize(n int64) string {
	return units.HumanSize(float64(n))
}
