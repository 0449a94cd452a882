package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher",
		Long: `Run the dispatcher with every channel present in the config.

Sections left out of the config stay uninitialized and their operations
fail with "not initialized". The config file is watched: logging and http
changes apply live, other sections need a restart.`,
		Example: `  notifyd serve --config /etc/notifyd/notifyd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./notifyd.yaml", "Path to JSON or YAML config file")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		id       string
		telegram string
		secret   string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed client token",
		Long: `Issue a token a WebSocket client presents on connect, either as
?authorization=<token> or an "Authorization: Bearer <token>" header.

The secret defaults to SECRET_KEY.`,
		Example: `  notifyd token --id 42
  notifyd token --id 42 --telegram 123456789 --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.OutOrStdout(), id, telegram, secret, ttl)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Receiver id the token identifies")
	cmd.Flags().StringVar(&telegram, "telegram", "", "Telegram chat id linked to the receiver")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default $SECRET_KEY)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime; 0 never expires")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("notifyd %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
