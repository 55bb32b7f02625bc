// Command wingman-gateway runs the Wingman Gateway: the connection hub,
// request scheduler, and HTTP/WebSocket surface that multiplexes client
// connections onto the local Agent Runner and a durable session store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wingman-ai/gateway/internal/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "wingman-gateway",
	Short: "Wingman Gateway - connection hub and request scheduler for AI agent sessions",
	Long: `Wingman Gateway multiplexes CLI, UI, and remote-peer connections onto a
bounded pool of Agent Runner workers and persists the resulting
conversations.

Examples:
  wingman-gateway serve              # run in the foreground
  wingman-gateway start              # fork into a detached daemon
  wingman-gateway status             # report whether the daemon is running
  wingman-gateway stop               # stop the detached daemon`,
}

func init() {
	rootCmd.PersistentFlags().String("workspace", ".", "workspace directory (holds .wingman/)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
