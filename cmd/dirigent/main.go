package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opslattice/dirigent/cmd/dirigent/commands"
	"github.com/opslattice/dirigent/logger"
)

var rootCmd = &cobra.Command{
	Use:   "dirigent",
	Short: "dirigent - automation job dispatch engine",
	Long: `dirigent - dispatches automation jobs against heterogeneous targets.

Jobs are ordered action lists executed against registered targets over
SSH, WinRM, HTTP, SQL or SMTP. Every job, target, execution and branch
carries a permanent serial; execution history is append-only.

Examples:
  dirigent serve             # Start the dispatch engine and API server
  dirigent db migrate        # Apply pending schema migrations
  dirigent db stats          # Show database statistics
  dirigent version           # Show version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: search ., ~/.dirigent, /etc/dirigent)")

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
