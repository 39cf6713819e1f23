package engine

import (
	"database/sql"
	"time"

	"github.com/opslattice/dirigent/errors"
)

// ExecutionStore handles persistence of executions
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

// Create inserts an execution and all of its branches in one transaction, so
// a submission either exists completely or not at all.
func (s *ExecutionStore) Create(e *Execution, branches []*Branch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin execution insert")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO executions (id, job_id, serial, number, status, scheduled_at, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.Serial, e.Number, e.Status, e.ScheduledAt, e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create execution")
		err = errors.WithDetailf(err, "Execution serial: %s", e.Serial)
		return err
	}

	for _, b := range branches {
		_, err = tx.Exec(`
			INSERT INTO branches (id, execution_id, target_id, serial, number, status, error_kind, error_message, output, exit_code, started_at, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.ExecutionID, b.TargetID, b.Serial, b.Number, b.Status,
			string(b.ErrorKind), b.ErrorMessage, b.Output, b.ExitCode,
			b.StartedAt, b.CompletedAt, b.CreatedAt, b.UpdatedAt,
		)
		if err != nil {
			err = errors.Wrapf(err, "failed to create branch %d", b.Number)
			err = errors.WithDetailf(err, "Execution serial: %s", e.Serial)
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit execution insert")
}

// Get retrieves an execution by UUID.
func (s *ExecutionStore) Get(id string) (*Execution, error) {
	return s.getWhere(`id = ?`, id)
}

// GetBySerial retrieves an execution by serial.
func (s *ExecutionStore) GetBySerial(serial string) (*Execution, error) {
	return s.getWhere(`serial = ?`, serial)
}

func (s *ExecutionStore) getWhere(where string, arg interface{}) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, job_id, serial, number, status, scheduled_at, started_at, completed_at, created_at, updated_at
		FROM executions WHERE `+where, arg)

	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %v", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return e, nil
}

// Update persists status and timestamp changes of an execution.
func (s *ExecutionStore) Update(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET status = ?, scheduled_at = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		e.Status, e.ScheduledAt, e.StartedAt, e.CompletedAt, e.UpdatedAt, e.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update execution")
		err = errors.WithDetailf(err, "Execution serial: %s", e.Serial)
	}
	return err
}

// ListByJob returns a job's executions, newest first.
func (s *ExecutionStore) ListByJob(jobID string, limit int) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, serial, number, status, scheduled_at, started_at, completed_at, created_at, updated_at
		FROM executions WHERE job_id = ? ORDER BY number DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	return collectExecutions(rows)
}

// ListRunningBefore returns executions still running whose run began before
// the cutoff. The reaper uses this to find stale executions.
func (s *ExecutionStore) ListRunningBefore(cutoff time.Time) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, serial, number, status, scheduled_at, started_at, completed_at, created_at, updated_at
		FROM executions WHERE status = ? AND started_at < ?`, StatusRunning, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running executions")
	}
	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*Execution, error) {
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, e)
	}
	return executions, errors.Wrap(rows.Err(), "error iterating executions")
}

func scanExecution(scan func(...interface{}) error) (*Execution, error) {
	var e Execution
	var scheduled, started, completed sql.NullTime
	err := scan(&e.ID, &e.JobID, &e.Serial, &e.Number, &e.Status,
		&scheduled, &started, &completed, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if scheduled.Valid {
		e.ScheduledAt = &scheduled.Time
	}
	if started.Valid {
		e.StartedAt = &started.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return &e, nil
}

// BranchStore handles persistence of branches
type BranchStore struct {
	db *sql.DB
}

// NewBranchStore creates a new branch store
func NewBranchStore(db *sql.DB) *BranchStore {
	return &BranchStore{db: db}
}

const branchColumns = `id, execution_id, target_id, serial, number, status,
	error_kind, error_message, output, exit_code, started_at, completed_at, created_at, updated_at`

// Get retrieves a branch by UUID.
func (s *BranchStore) Get(id string) (*Branch, error) {
	return s.getWhere(`id = ?`, id)
}

// GetBySerial retrieves a branch by serial.
func (s *BranchStore) GetBySerial(serial string) (*Branch, error) {
	return s.getWhere(`serial = ?`, serial)
}

func (s *BranchStore) getWhere(where string, arg interface{}) (*Branch, error) {
	row := s.db.QueryRow(`SELECT `+branchColumns+` FROM branches WHERE `+where, arg)

	b, err := scanBranch(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "branch %v", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get branch")
	}
	return b, nil
}

// ListByExecution returns all branches of an execution in branch-number
// order.
func (s *BranchStore) ListByExecution(executionID string) ([]*Branch, error) {
	rows, err := s.db.Query(`
		SELECT `+branchColumns+` FROM branches WHERE execution_id = ? ORDER BY number ASC`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list branches")
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		b, err := scanBranch(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan branch")
		}
		branches = append(branches, b)
	}
	return branches, errors.Wrap(rows.Err(), "error iterating branches")
}

// Update persists status, result and timestamp changes of a branch.
func (s *BranchStore) Update(b *Branch) error {
	_, err := s.db.Exec(`
		UPDATE branches SET status = ?, error_kind = ?, error_message = ?, output = ?, exit_code = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		b.Status, string(b.ErrorKind), b.ErrorMessage, b.Output, b.ExitCode,
		b.StartedAt, b.CompletedAt, b.UpdatedAt, b.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update branch")
		err = errors.WithDetailf(err, "Branch serial: %s", b.Serial)
	}
	return err
}

func scanBranch(scan func(...interface{}) error) (*Branch, error) {
	var b Branch
	var kind, message, output sql.NullString
	var exitCode sql.NullInt64
	var started, completed sql.NullTime
	err := scan(&b.ID, &b.ExecutionID, &b.TargetID, &b.Serial, &b.Number, &b.Status,
		&kind, &message, &output, &exitCode, &started, &completed, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ErrorKind = errors.Kind(kind.String)
	b.ErrorMessage = message.String
	b.Output = output.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		b.ExitCode = &code
	}
	if started.Valid {
		b.StartedAt = &started.Time
	}
	if completed.Valid {
		b.CompletedAt = &completed.Time
	}
	return &b, nil
}
