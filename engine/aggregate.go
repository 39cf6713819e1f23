package engine

import (
	"sync"

	"go.uber.org/zap"
)

// Aggregator derives execution status from branch outcomes. It reacts to
// each branch reaching a terminal state and finalizes the execution exactly
// once, after the last branch.
type Aggregator struct {
	executions *ExecutionStore
	branches   *BranchStore
	publisher  *Publisher
	logger     *zap.SugaredLogger

	// mu orders concurrent last-branch notifications so only one of them
	// writes the execution's terminal row.
	mu sync.Mutex
}

// NewAggregator creates an aggregator over the given stores.
func NewAggregator(executions *ExecutionStore, branches *BranchStore, publisher *Publisher, logger *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		executions: executions,
		branches:   branches,
		publisher:  publisher,
		logger:     logger.Named("aggregator"),
	}
}

// OnBranchTerminal is called by a runner after it writes its branch's
// terminal row. If any sibling branch is still open it does nothing;
// otherwise it resolves and writes the execution's terminal status and
// publishes ExecutionFinished.
func (a *Aggregator) OnBranchTerminal(executionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	execution, err := a.executions.Get(executionID)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return nil
	}

	branches, err := a.branches.ListByExecution(executionID)
	if err != nil {
		return err
	}

	var statuses []BranchStatus
	for _, b := range branches {
		statuses = append(statuses, b.Status)
	}
	status, done := resolveTerminal(statuses)
	if !done {
		return nil
	}

	execution.Finish(status)
	if err := a.executions.Update(execution); err != nil {
		return err
	}

	a.logger.Infow("execution finished",
		"execution", execution.Serial,
		"status", execution.Status,
		"branches", len(branches))
	a.publisher.Publish(Event{
		Type:            EventExecutionFinished,
		ExecutionSerial: execution.Serial,
		Status:          string(execution.Status),
	})
	return nil
}

// resolveTerminal maps a branch status multiset to the execution's terminal
// status. Returns false while any branch is still open. Any failed branch
// fails the execution; an execution where every branch ran to completion
// completes; any other mix (all cancelled, or completed plus cancelled)
// counts as cancelled because the run was cut short before every target was
// covered.
func resolveTerminal(statuses []BranchStatus) (ExecutionStatus, bool) {
	failed, completed := 0, 0
	for _, s := range statuses {
		switch s {
		case BranchFailed:
			failed++
		case BranchCompleted:
			completed++
		case BranchCancelled:
		default:
			return "", false
		}
	}
	switch {
	case failed > 0:
		return StatusFailed, true
	case completed == len(statuses):
		return StatusCompleted, true
	default:
		return StatusCancelled, true
	}
}
