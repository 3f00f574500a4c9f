package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanhut/settingsync/internal/colors"
	"github.com/javanhut/settingsync/internal/refs"
)

var logCmd = &cobra.Command{
	Use:   "log [options]",
	Short: "Show settings history",
	Long: `Display the history of a branch, newest first, following first parents.

Examples:
  settingsync log                  # history of master
  settingsync log --branch remote  # what was received from the server
  settingsync log --limit 5`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

var (
	logBranch string
	logLimit  int
)

func init() {
	logCmd.Flags().StringVar(&logBranch, "branch", string(refs.Master), "Branch to show: master, local or remote")
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "Limit number of entries, 0 for all")
}

func runLog(cmd *cobra.Command, args []string) error {
	branch, err := refs.Parse(logBranch)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.Log.History(branch, logLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, e := range entries {
		c := e.Commit
		line := fmt.Sprintf("%s %s %s", colors.Yellow(e.Position.Short()),
			colors.Gray(c.CreatedAt.Local().Format(time.DateTime)), c.Message)
		if c.IsMerge() {
			line += colors.Dim(" (merge)")
		}
		if c.App != nil && c.App.HostName != "" {
			line += colors.Gray(" @" + c.App.HostName)
		}
		fmt.Fprintln(out, line)
		if n := len(c.Changes); n > 0 {
			fmt.Fprintf(out, "    %d changed\n", n)
		}
	}
	return nil
}
