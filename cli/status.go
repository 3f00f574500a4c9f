package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/settingsync/internal/colors"
	"github.com/javanhut/settingsync/internal/remote"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show branch positions and tracked settings",
	Long: `Shows where the local, remote and master branches point, the last known
server version and the files in the merged state.

Examples:
  settingsync status
  settingsync status --remote   # also ask the server for its version`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statusRemote bool

func init() {
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "Query the server version")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	state := a.Bridge.State()
	fmt.Fprintln(out, colors.SectionHeader("Branches:"))
	fmt.Fprintln(out, colors.Branch("master", state.Master.Short(), true))
	fmt.Fprintln(out, colors.Branch("local", state.Local.Short(), state.Local == state.Master))
	fmt.Fprintln(out, colors.Branch("remote", state.Remote.Short(), state.Remote == state.Master))

	known := state.LastKnownRemoteVersion
	if known == "" {
		known = colors.Gray("none")
	}
	fmt.Fprintf(out, "Last known server version: %s\n", known)

	if statusRemote {
		s := a.Remote.CheckServerState(cmd.Context())
		switch s.Status {
		case remote.ServerError:
			fmt.Fprintf(out, "Server: %s %v\n", colors.ErrorText("error"), s.Err)
		case remote.UpToDate:
			fmt.Fprintf(out, "Server: %s\n", colors.SuccessText(s.Status.String()))
		default:
			fmt.Fprintf(out, "Server: %s %s\n", colors.WarningText(s.Status.String()), s.VersionID)
		}
	}

	snap, err := a.Current()
	if err != nil {
		return err
	}
	var total int64
	fmt.Fprintln(out)
	fmt.Fprintln(out, colors.SectionHeader(fmt.Sprintf("Settings (%d files):", snap.Len())))
	for _, st := range snap.Sorted() {
		fmt.Fprintln(out, colors.FileState(st, humanSize(st.Size)))
		total += st.Size
	}
	fmt.Fprintf(out, "\nTotal %s\n", humanSize(total))
	return nil
}
