package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/cmd/weft/commands"
	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/logger"
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "weft - execution-trace engine for multi-step agent workflows",
	Long: `weft - execution-trace engine for multi-step agent workflows.

weft runs ordered step chains, persists every run, step, and timeline
event to a queryable history store, and broadcasts live trace events to
filtered websocket subscribers.

Available commands:
  serve   - Start the history API and live broadcast server
  db      - Manage the history database
  version - Show version information

Examples:
  weft serve               # Start the server on the configured port
  weft db status           # Show run/step/event counts
  weft db upgrade          # Create the schema and upgrade legacy tables`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
