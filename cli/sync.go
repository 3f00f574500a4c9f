package cli

import (
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long: `Records local edits, downloads a newer server state if there is one, merges
both, writes the merged settings locally and uploads them.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload the merged settings",
	Long: `Uploads the merged settings if the server does not have them yet. The upload
is refused when the server changed since the last pull, unless --force is given.

Examples:
  settingsync push
  settingsync push --force   # overwrite whatever the server holds`,
	Args: cobra.NoArgs,
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download and apply the server settings",
	Args:  cobra.NoArgs,
	RunE:  runPull,
}

var pushForce bool

func init() {
	pushCmd.Flags().BoolVar(&pushForce, "force", false, "Overwrite the server state")
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := seed(cmd.Context(), a); err != nil {
		return err
	}
	a.Bridge.ScheduleUpdateFromServer(true)
	a.Bridge.RequestPush(false)
	return printReport(cmd, a.Bridge.RunCycle(cmd.Context()))
}

func runPush(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := seed(cmd.Context(), a); err != nil {
		return err
	}
	a.Bridge.RequestPush(pushForce)
	return printReport(cmd, a.Bridge.RunCycle(cmd.Context()))
}

func runPull(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	a.Bridge.ScheduleUpdateFromServer(true)
	return printReport(cmd, a.Bridge.RunCycle(cmd.Context()))
}
