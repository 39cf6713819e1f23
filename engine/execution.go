// Package engine runs submitted jobs: it creates executions and their
// per-target branches, drives each branch through its actions over a
// protocol executor, aggregates branch outcomes into the execution status,
// reaps stale runs and publishes status events.
package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/opslattice/dirigent/errors"
)

// ExecutionStatus is the lifecycle state of an execution. Transitions are
// monotonic: scheduled -> running -> one terminal state, never backwards.
type ExecutionStatus string

const (
	StatusScheduled ExecutionStatus = "scheduled"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal returns true once the execution can never change status again.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BranchStatus is the lifecycle state of a branch. Same monotonicity rule as
// executions: pending -> running -> one terminal state.
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchRunning   BranchStatus = "running"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

// Terminal returns true once the branch can never change status again.
func (s BranchStatus) Terminal() bool {
	return s == BranchCompleted || s == BranchFailed || s == BranchCancelled
}

// Execution is one run of a job against a set of targets. Serial and UUID
// are permanent; the status is fully determined by its branches once all of
// them are terminal.
type Execution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Serial      string          `json:"serial"`
	Number      uint32          `json:"number"`
	Status      ExecutionStatus `json:"status"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewExecution creates an execution in the scheduled state. Serial and
// number must come from the serial manager.
func NewExecution(jobID, serial string, number uint32, scheduledAt *time.Time) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Serial:      serial,
		Number:      number,
		Status:      StatusScheduled,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start flips the execution to running. No-op if already past scheduled.
func (e *Execution) Start() {
	if e.Status != StatusScheduled {
		return
	}
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
}

// Finish writes the terminal status. No-op if already terminal.
func (e *Execution) Finish(status ExecutionStatus) {
	if e.Status.Terminal() || !status.Terminal() {
		return
	}
	now := time.Now().UTC()
	e.Status = status
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// Branch is one execution against one target. The branch runner is its sole
// writer after creation.
type Branch struct {
	ID           string       `json:"id"`
	ExecutionID  string       `json:"execution_id"`
	TargetID     string       `json:"target_id"`
	Serial       string       `json:"serial"`
	Number       uint32       `json:"number"`
	Status       BranchStatus `json:"status"`
	ErrorKind    errors.Kind  `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Output       string       `json:"output,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewBranch creates a pending branch. Serial and number must come from the
// serial manager; callers issue them before any branch runs so every event
// carries a serial.
func NewBranch(executionID, targetID, serial string, number uint32) *Branch {
	now := time.Now().UTC()
	return &Branch{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		TargetID:    targetID,
		Serial:      serial,
		Number:      number,
		Status:      BranchPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start flips the branch to running. No-op once past pending.
func (b *Branch) Start() {
	if b.Status != BranchPending {
		return
	}
	now := time.Now().UTC()
	b.Status = BranchRunning
	b.StartedAt = &now
	b.UpdatedAt = now
}

// Complete marks the branch completed with its final action's output.
func (b *Branch) Complete(output string, exitCode int) {
	if b.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	b.Status = BranchCompleted
	b.Output = output
	b.ExitCode = &exitCode
	b.CompletedAt = &now
	b.UpdatedAt = now
}

// Fail marks the branch failed, recording the error classification so
// consumers never parse messages.
func (b *Branch) Fail(kind errors.Kind, message, output string, exitCode *int) {
	if b.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	b.Status = BranchFailed
	b.ErrorKind = kind
	b.ErrorMessage = message
	b.Output = output
	b.ExitCode = exitCode
	b.CompletedAt = &now
	b.UpdatedAt = now
}

// Cancel marks the branch cancelled. Cancellation is not failure: no error
// kind is recorded.
func (b *Branch) Cancel() {
	if b.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	b.Status = BranchCancelled
	b.CompletedAt = &now
	b.UpdatedAt = now
}
