package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/settingsync/internal/app"
	"github.com/javanhut/settingsync/internal/colors"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the settings log and record the current settings",
	Long: `Creates the settings log in data_dir, gives this machine an application id
and records the settings files currently found under root.

Examples:
  settingsync config set root ~/.config/myapp
  settingsync config set remote.path /mnt/shared/settings
  settingsync init`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	m, _, err := loadConfig()
	if err != nil {
		return err
	}
	id, created, err := m.EnsureAppID()
	if err != nil {
		return err
	}

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.Open(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Application id %s written to %s\n", id, m.Path())
	}
	if a.Fresh {
		fmt.Fprintf(out, "%s %s\n", colors.SuccessText("Created settings log"), cfg.LogPath())
	} else {
		fmt.Fprintf(out, "Settings log %s already exists\n", cfg.LogPath())
	}

	if err := seed(cmd.Context(), a); err != nil {
		return err
	}
	snap, err := a.Log.CollectCurrentSnapshot()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Tracking %d files under %s\n", snap.Len(), cfg.Root)
	return nil
}
