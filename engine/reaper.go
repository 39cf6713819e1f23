package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opslattice/dirigent/config"
	"github.com/opslattice/dirigent/errors"
)

// Reaper finds executions that have been running past the stale threshold,
// usually because the process died mid-run, and fails them so they do not
// sit open forever. It also prunes the audit trail past its retention
// window.
type Reaper struct {
	executions *ExecutionStore
	branches   *BranchStore
	logs       *LogStore
	publisher  *Publisher
	logger     *zap.SugaredLogger

	interval   time.Duration
	staleAfter time.Duration
	retention  time.Duration
}

// NewReaper creates a reaper from the engine configuration.
func NewReaper(
	executions *ExecutionStore,
	branches *BranchStore,
	logs *LogStore,
	publisher *Publisher,
	cfg config.EngineConfig,
	logger *zap.SugaredLogger,
) *Reaper {
	return &Reaper{
		executions: executions,
		branches:   branches,
		logs:       logs,
		publisher:  publisher,
		logger:     logger.Named("reaper"),
		interval:   cfg.ReaperInterval(),
		staleAfter: cfg.StaleAfter(),
		retention:  time.Duration(cfg.LogRetentionDays) * 24 * time.Hour,
	}
}

// Start runs the sweep loop until ctx is cancelled. One sweep runs
// immediately so a restart after a crash recovers stale executions without
// waiting a full interval.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		r.sweepAndLog(time.Now().UTC())

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Infow("reaper stopped")
				return
			case now := <-ticker.C:
				r.sweepAndLog(now.UTC())
			}
		}
	}()
}

func (r *Reaper) sweepAndLog(now time.Time) {
	reaped, err := r.Sweep(now)
	if err != nil {
		r.logger.Errorw("sweep failed", "error", err)
		return
	}
	if reaped > 0 {
		r.logger.Infow("sweep reaped stale executions", "count", reaped)
	}
}

// Sweep fails every execution stale as of now and prunes expired audit
// entries. Returns how many executions were reaped. Idempotent: executions
// already terminal are never revisited, so a second sweep over the same
// state is a no-op.
func (r *Reaper) Sweep(now time.Time) (int, error) {
	stale, err := r.executions.ListRunningBefore(now.Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, execution := range stale {
		if err := r.reap(execution, now); err != nil {
			r.logger.Errorw("failed to reap execution", "execution", execution.Serial, "error", err)
			continue
		}
		reaped++
	}

	if r.retention > 0 {
		pruned, err := r.logs.DeleteOlderThan(now.Add(-r.retention))
		if err != nil {
			return reaped, err
		}
		if pruned > 0 {
			r.logger.Infow("pruned expired execution logs", "count", pruned)
		}
	}
	return reaped, nil
}

// reap fails one stale execution: its still-open branches become failed
// with a system classification, the execution follows, and exactly one
// cleanup entry lands in the audit trail.
func (r *Reaper) reap(execution *Execution, now time.Time) error {
	branches, err := r.branches.ListByExecution(execution.ID)
	if err != nil {
		return err
	}

	open := 0
	for _, b := range branches {
		if b.Status.Terminal() {
			continue
		}
		b.Fail(errors.KindSystem,
			fmt.Sprintf("reaped: execution stale after %s", r.staleAfter), "", nil)
		if err := r.branches.Update(b); err != nil {
			return err
		}
		open++
	}

	execution.Finish(StatusFailed)
	if err := r.executions.Update(execution); err != nil {
		return err
	}

	err = r.logs.Append(LogEntry{
		ExecutionID: execution.ID,
		Phase:       PhaseSystem,
		Level:       LevelWarn,
		Category:    CategoryCleanup,
		Message:     fmt.Sprintf("execution reaped as stale with %d open branches", open),
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}

	r.logger.Warnw("reaped stale execution",
		"execution", execution.Serial,
		"open_branches", open,
		"started_at", execution.StartedAt)
	r.publisher.Publish(Event{
		Type:            EventExecutionReaped,
		ExecutionSerial: execution.Serial,
		Status:          string(StatusFailed),
		ErrorKind:       errors.KindSystem,
	})
	return nil
}
