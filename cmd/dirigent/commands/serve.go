package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opslattice/dirigent/comms"
	"github.com/opslattice/dirigent/config"
	"github.com/opslattice/dirigent/db"
	"github.com/opslattice/dirigent/engine"
	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/logger"
	"github.com/opslattice/dirigent/serial"
	"github.com/opslattice/dirigent/server"
	"github.com/opslattice/dirigent/target"
)

// ServeCmd starts the dispatch engine and the API server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch engine and API server",
	Long: `Start dirigent: open the database, apply pending migrations, start the
stale-execution reaper and serve the HTTP API and event stream until
interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("dirigent")

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	jobs := job.NewStore(database)
	targets := target.NewStore(database)
	executions := engine.NewExecutionStore(database)
	branches := engine.NewBranchStore(database)
	logs := engine.NewLogStore(database)
	serials := serial.NewManager(database)
	publisher := engine.NewPublisher(log)

	aggregator := engine.NewAggregator(executions, branches, publisher, log)
	runner := engine.NewRunner(branches, logs, targets, comms.NewRegistry(), publisher,
		aggregator, cfg.Engine.ActionTimeout(), log)
	dispatcher := engine.NewDispatcher(jobs, targets, executions, branches, serials,
		runner, publisher, cfg.Engine, log)
	reaper := engine.NewReaper(executions, branches, logs, publisher, cfg.Engine, log)

	srv := server.New(cfg.Server, jobs, targets, executions, branches, logs,
		dispatcher, publisher, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper.Start(ctx)

	err = srv.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Give in-flight branches a bounded window to observe cancellation.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown left executions open; the reaper will recover them", "error", err)
	}
	return nil
}

// loadConfig resolves configuration from the --config flag or the default
// search paths.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
