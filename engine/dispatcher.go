package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/opslattice/dirigent/config"
	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/serial"
	"github.com/opslattice/dirigent/target"
)

// Dispatcher accepts submissions and turns each into an execution with one
// branch per target. It is the only writer of execution-level state; branch
// terminal state belongs to the runners and the aggregated terminal status
// to the aggregator.
type Dispatcher struct {
	jobs       *job.Store
	targets    *target.Store
	executions *ExecutionStore
	branches   *BranchStore
	serials    *serial.Manager
	runner     *Runner
	publisher  *Publisher
	logger     *zap.SugaredLogger

	// sem caps concurrently running branches across all executions.
	// Acquisition order is the queueing discipline.
	sem *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewDispatcher wires the dispatcher from its stores and the shared runner.
func NewDispatcher(
	jobs *job.Store,
	targets *target.Store,
	executions *ExecutionStore,
	branches *BranchStore,
	serials *serial.Manager,
	runner *Runner,
	publisher *Publisher,
	cfg config.EngineConfig,
	logger *zap.SugaredLogger,
) *Dispatcher {
	return &Dispatcher{
		jobs:       jobs,
		targets:    targets,
		executions: executions,
		branches:   branches,
		serials:    serials,
		runner:     runner,
		publisher:  publisher,
		logger:     logger.Named("dispatcher"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxRunningBranches)),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Submit validates a submission, creates the execution with all of its
// branches, starts the run and returns the execution serial. Validation
// happens before any row exists: a rejected submission leaves no trace and
// burns no serial except when issuing the serial itself fails.
func (d *Dispatcher) Submit(ctx context.Context, jobID string, targetIDs []string, scheduledAt *time.Time) (string, error) {
	j, err := d.jobs.Get(jobID)
	if errors.IsNotFoundError(err) {
		return "", errors.Mark(err, errors.KindValidation)
	}
	if err != nil {
		return "", err
	}
	if j.Archived {
		return "", errors.Markf(errors.KindValidation, "job %s is archived", j.Serial)
	}
	if len(j.Actions) == 0 {
		return "", errors.Markf(errors.KindValidation, "job %s has no actions", j.Serial)
	}
	if len(targetIDs) == 0 {
		return "", errors.Markf(errors.KindValidation, "submission names no targets")
	}

	var targets []*target.Target
	for _, id := range targetIDs {
		t, err := d.targets.Get(id)
		if errors.IsNotFoundError(err) {
			return "", errors.Mark(err, errors.KindValidation)
		}
		if err != nil {
			return "", err
		}
		if !t.Dispatchable() {
			return "", errors.Markf(errors.KindValidation,
				"target %s is not dispatchable: deactivated or without an active credentialed method", t.Serial)
		}
		targets = append(targets, t)
	}

	number, err := d.serials.NextExecutionNumber(j.ID)
	if err != nil {
		return "", err
	}
	execution := NewExecution(j.ID, serial.FormatExecutionSerial(j.Serial, number), number, scheduledAt)

	// Branch serials are issued before anything runs so every event about
	// this execution carries a permanent identifier.
	var branches []*Branch
	for _, t := range targets {
		bn, err := d.serials.NextBranchNumber(execution.ID)
		if err != nil {
			return "", err
		}
		branches = append(branches, NewBranch(
			execution.ID, t.ID, serial.FormatBranchSerial(execution.Serial, bn), bn))
	}

	if err := d.executions.Create(execution, branches); err != nil {
		return "", err
	}

	d.logger.Infow("execution submitted",
		"execution", execution.Serial,
		"job", j.Serial,
		"branches", len(branches))

	d.wg.Add(1)
	go d.run(execution, j, branches, targets)

	return execution.Serial, nil
}

// Cancel requests cancellation of a running execution. Runners observe it
// at action boundaries; already-terminal branches keep their status.
func (d *Dispatcher) Cancel(executionSerial string) error {
	d.mu.Lock()
	cancel, ok := d.cancels[executionSerial]
	d.mu.Unlock()
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "no running execution %s", executionSerial)
	}
	d.logger.Infow("cancelling execution", "execution", executionSerial)
	cancel()
	return nil
}

// Shutdown cancels all running executions and waits for their runners to
// reach terminal state, or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "shutdown interrupted with executions still running")
	}
}

// run drives one execution: flips it to running, launches one runner per
// branch under the global concurrency cap and waits them out. The
// aggregator writes the terminal row once the last branch lands.
func (d *Dispatcher) run(execution *Execution, j *job.Job, branches []*Branch, targets []*target.Target) {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancels[execution.Serial] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, execution.Serial)
		d.mu.Unlock()
		cancel()
	}()

	execution.Start()
	if err := d.executions.Update(execution); err != nil {
		d.logger.Errorw("failed to start execution", "execution", execution.Serial, "error", err)
	}
	d.publisher.Publish(Event{
		Type:            EventExecutionStarted,
		ExecutionSerial: execution.Serial,
		Status:          string(execution.Status),
	})

	var wg sync.WaitGroup
	for i := range branches {
		branch, tgt := branches[i], targets[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.sem.Acquire(ctx, 1); err != nil {
				// Cancelled while queued: the branch never ran.
				branch.Cancel()
				if uerr := d.branches.Update(branch); uerr != nil {
					d.logger.Errorw("failed to cancel queued branch", "branch", branch.Serial, "error", uerr)
				}
				d.publisher.Publish(Event{
					Type:            EventBranchFinished,
					ExecutionSerial: execution.Serial,
					BranchSerial:    branch.Serial,
					Status:          string(branch.Status),
				})
				if aerr := d.runner.aggregator.OnBranchTerminal(branch.ExecutionID); aerr != nil {
					d.logger.Errorw("failed to aggregate execution", "execution", execution.Serial, "error", aerr)
				}
				return
			}
			defer d.sem.Release(1)
			d.runner.Run(ctx, execution, branch, tgt, j.Actions)
		}()
	}
	wg.Wait()
}
