package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meteoradja-ytmjk/ozanglive"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen string
}

// CredentialFlags holds flags for the credential set command.
type CredentialFlags struct {
	UserID       string
	RefreshToken string
}

func loadConfig(flags *GlobalFlags) (*ozanglive.Config, error) {
	cfg, err := ozanglive.LoadConfig(flags.ConfigPath, flags.EnvFiles...)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the stream orchestrator",
		Long: `Run the trigger engine, the duration enforcer, the health monitor and,
when the platform is enabled, the status reconciler until SIGINT or SIGTERM.

Examples:
  ozanglive serve
  ozanglive serve --config=ozanglive.toml --listen=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override http.listen")
	return cmd
}

func runServe(ctx context.Context, globalFlags *GlobalFlags, flags *ServeFlags) error {
	cfg, err := loadConfig(globalFlags)
	if err != nil {
		return err
	}
	if flags.Listen != "" {
		cfg.HTTP.Listen = flags.Listen
	}
	svc, err := ozanglive.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

// createCheckConfigCommand creates the check-config subcommand
func createCheckConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "config ok: database=%s platform=%t http=%t\n",
				redactDSN(cfg.Database.DSN), cfg.Platform.Enabled, cfg.HTTP.Enabled)
			return nil
		},
	}
}

// createCredentialCommand creates the credential command with subcommands
func createCredentialCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage platform credentials",
	}
	flags := &CredentialFlags{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the refresh token of a platform user",
		Long: `Store the refresh token of a platform user. The application client id and
secret come from the [platform] config section.

Examples:
  ozanglive credential set --user=u1 --refresh-token=1//0g...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialSet(cmd, globalFlags, flags)
		},
	}
	set.Flags().StringVar(&flags.UserID, "user", "", "platform user id")
	set.Flags().StringVar(&flags.RefreshToken, "refresh-token", "", "OAuth refresh token")
	_ = set.MarkFlagRequired("user")
	_ = set.MarkFlagRequired("refresh-token")
	cmd.AddCommand(set)
	return cmd
}

func runCredentialSet(cmd *cobra.Command, globalFlags *GlobalFlags, flags *CredentialFlags) error {
	cfg, err := loadConfig(globalFlags)
	if err != nil {
		return err
	}
	cfg.HTTP.Enabled = false
	svc, err := ozanglive.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	err = svc.SaveCredential(cmd.Context(), ozanglive.Credential{
		UserID:       flags.UserID,
		RefreshToken: flags.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "credential stored for %s\n", flags.UserID)
	return nil
}
