package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/db"
	"github.com/weftlabs/weft/errors"
	"github.com/weftlabs/weft/history"
	"github.com/weftlabs/weft/logger"
)

// DbCmd groups history database operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the weft history database",
	Long: `Manage weft history database operations.

Examples:
  weft db status            # Show run/step/event counts
  weft db upgrade           # Create the schema and upgrade legacy tables
  weft db reset --force     # Drop and recreate the schema`,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database statistics",
	RunE:  runDbStatus,
}

var dbUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Create the schema and upgrade legacy tables in place",
	RunE:  runDbUpgrade,
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the history schema",
	RunE:  runDbReset,
}

var (
	dbPathFlag string
	resetForce bool
)

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	dbResetCmd.Flags().BoolVar(&resetForce, "force", false, "Confirm destroying all history data")

	DbCmd.AddCommand(dbStatusCmd)
	DbCmd.AddCommand(dbUpgradeCmd)
	DbCmd.AddCommand(dbResetCmd)
}

func openStore() (*history.Store, *sql.DB, string, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "load configuration")
	}
	path := cfg.Database.Path
	if dbPathFlag != "" {
		path = dbPathFlag
	}

	conn, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "open database")
	}
	return history.NewStore(conn, logger.Named("history")), conn, path, nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	_, conn, path, err := openStore()
	if err != nil {
		return err
	}
	defer conn.Close()

	counts := map[string]int{}
	for _, table := range []string{"workflow_runs", "workflow_steps", "workflow_events"} {
		var n int
		err := conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		if err != nil && err != sql.ErrNoRows {
			// A missing table reads as zero; the schema may not exist yet.
			n = 0
		}
		counts[table] = n
	}

	fmt.Println("History Database Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path: %s\n", path)
	fmt.Printf("Runs:          %d\n", counts["workflow_runs"])
	fmt.Printf("Steps:         %d\n", counts["workflow_steps"])
	fmt.Printf("Events:        %d\n", counts["workflow_events"])
	return nil
}

func runDbUpgrade(cmd *cobra.Command, args []string) error {
	store, conn, path, err := openStore()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := store.CreateSchema(); err != nil {
		return errors.Wrap(err, "create schema")
	}
	if err := store.UpgradeLegacyTable(); err != nil {
		return errors.Wrap(err, "upgrade legacy table")
	}

	fmt.Printf("Schema up to date: %s\n", path)
	return nil
}

func runDbReset(cmd *cobra.Command, args []string) error {
	if !resetForce {
		return errors.New("refusing to destroy history data without --force")
	}

	store, conn, path, err := openStore()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := store.ResetSchema(); err != nil {
		return errors.Wrap(err, "reset schema")
	}

	fmt.Printf("Schema reset: %s\n", path)
	return nil
}
