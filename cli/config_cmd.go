package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/settingsync/internal/colors"
	"github.com/javanhut/settingsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Get and set configuration options",
	Long: `Get and set settingsync configuration options. Values are stored in the
config file; SETTINGSYNC_* environment variables override them.

Examples:
  settingsync config set root ~/.config/myapp
  settingsync config set remote.kind s3
  settingsync config set sync.exclude "cache,*.bak"
  settingsync config get sync.interval
  settingsync config list`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := m.GetValue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := m.SetValue(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := loadConfig()
		if err != nil {
			return err
		}
		all, err := m.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, colors.SectionHeader("Configuration ("+m.Path()+"):"))
		for _, k := range config.Keys() {
			v := all[k]
			if v == "" {
				v = colors.Gray("(not set)")
			}
			fmt.Fprintf(out, "  %s = %s\n", colors.Cyan(k), v)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)
}
