package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <position>",
	Short: "Bring the settings back to an earlier state",
	Long: `Records on the local branch a change that reproduces the settings at an
earlier position, writes them locally and uploads them. A unique prefix of the
position is enough.

Examples:
  settingsync log
  settingsync restore 3f9a1c2b`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pos, err := a.Log.ResolvePosition(args[0])
	if err != nil {
		return err
	}
	if err := seed(cmd.Context(), a); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restoring settings to %s\n", pos.Short())
	a.Bridge.RequestRestore(pos)
	return printReport(cmd, a.Bridge.RunCycle(cmd.Context()))
}
