// Command notifyd runs the notification dispatcher: a WebSocket gateway,
// a delayed job queue and a Telegram bot behind one producer API.
//
// Start the server:
//
//	notifyd serve --config notifyd.yaml
//
// Issue a client token:
//
//	notifyd token --id 42 --telegram 123456789
//
// Environment variables fill fields the config leaves empty:
//
//   - SECRET_KEY: token signing secret
//   - PRIV_KEY, PRIV_CERT: TLS key and certificate files for the gateway
//   - REDIS_ADDR: queue Redis address
//   - TELEGRAM_TOKEN: bot token
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"notifyd/pkg/logx"
)

// Populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		logx.NewConsole("INFO").Error("command failed", logx.Err(err))
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "notifyd",
		Short:        "Multi-channel notification dispatcher",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return root
}
