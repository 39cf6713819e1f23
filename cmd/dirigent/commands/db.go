package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opslattice/dirigent/db"
	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the dirigent database",
	Long: `Manage database operations.

Examples:
  dirigent db migrate        # Apply pending schema migrations
  dirigent db stats          # Show entity counts and execution status totals`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display entity counts and execution totals grouped by status.",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("db")

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}
	fmt.Println("Database schema is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.Path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	for _, table := range []string{"jobs", "targets", "executions", "branches", "execution_logs"} {
		var count int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		fmt.Printf("%-16s %d\n", table, count)
	}

	rows, err := database.Query(`SELECT status, COUNT(*) FROM executions GROUP BY status ORDER BY status`)
	if err != nil {
		return errors.Wrap(err, "failed to group executions by status")
	}
	defer rows.Close()

	fmt.Println("\nExecutions by status:")
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return errors.Wrap(err, "failed to scan status count")
		}
		fmt.Printf("  %-12s %d\n", status, count)
	}
	return errors.Wrap(rows.Err(), "error iterating status counts")
}
