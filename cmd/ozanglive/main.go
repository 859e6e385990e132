package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	EnvFiles   []string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createCheckConfigCommand(flags),
		createCredentialCommand(flags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "ozanglive",
		Short: "Scheduled live stream orchestrator",
		Long: `ozanglive starts scheduled streams, stops them when their duration is
spent, reconnects broken transmissions and follows the broadcast status on
the platform.

Configuration is read from an optional TOML file, .env files and
OZANGLIVE_* environment variables, in increasing priority.

Examples:
  ozanglive serve --config=ozanglive.toml
  ozanglive check-config --config=ozanglive.toml
  ozanglive credential set --user=u1 --refresh-token=...`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringSliceVar(&flags.EnvFiles, "env-file", nil, "dotenv files to load before reading the environment")
	return root
}
