package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanhut/settingsync/internal/colors"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Inspect and manage objects on the server",
	Long: `Low-level access to objects on the server, for markers and diagnostics.
These commands bypass the settings log.`,
}

var remoteExistsCmd = &cobra.Command{
	Use:   "exists <name>",
	Short: "Report whether an object exists",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteExists,
}

var remoteDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemoteDelete,
}

var remotePutCmd = &cobra.Command{
	Use:   "put <name> [file]",
	Short: "Write an object from a file or stdin",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRemotePut,
}

func init() {
	remoteCmd.AddCommand(remoteExistsCmd, remoteDeleteCmd, remotePutCmd)
}

func runRemoteExists(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ok, err := a.Remote.IsFileExists(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s exists\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s does not exist\n", args[0])
	}
	return nil
}

func runRemoteDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Remote.DeleteFile(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", colors.SuccessText("Deleted"), args[0])
	return nil
}

func runRemotePut(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 2 {
		data, err = os.ReadFile(args[1])
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	v, err := a.Remote.CreateFile(cmd.Context(), args[0], data)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s) as version %s\n", args[0], humanSize(int64(len(data))), v)
	return nil
}
