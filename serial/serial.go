// Package serial issues permanent, human-readable, hierarchical identifiers
// for jobs, targets, executions and branches.
//
// Serial formats:
//
//	Job:       JOB-YYYY-NNNNNN
//	Target:    TGT-YYYY-NNNNNN
//	Execution: <job_serial>.NNNN      (4-digit, per-job monotonic)
//	Branch:    <execution_serial>.NNNN (4-digit, per-execution monotonic)
//
// Numbers are strictly increasing per scope and never reissued. Gaps are
// tolerated (a failed submission burns its number); duplicates are not.
// When the backing counter is unreachable the issue fails closed — no serial
// is handed out and no entity may be created.
package serial

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/opslattice/dirigent/errors"
)

// Kind selects the prefix of a top-level serial.
type Kind string

const (
	KindJob    Kind = "JOB"
	KindTarget Kind = "TGT"
)

// Manager issues monotonically increasing serial numbers backed by the
// serial_counters table. A per-scope mutex serializes concurrent callers for
// the same scope so two simultaneous requests always receive two distinct,
// increasing numbers.
type Manager struct {
	db *sql.DB

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

// NewManager creates a serial manager over the given database.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		db:     db,
		scopes: make(map[string]*sync.Mutex),
	}
}

// NextSerial issues the next top-level serial for (kind, year),
// e.g. JOB-2025-000042.
func (m *Manager) NextSerial(kind Kind, year int) (string, error) {
	scope := fmt.Sprintf("%s-%d", kind, year)
	n, err := m.next(scope)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%06d", kind, year, n), nil
}

// NextExecutionNumber issues the next execution number for a job.
func (m *Manager) NextExecutionNumber(jobID string) (uint32, error) {
	n, err := m.next("execution:" + jobID)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// NextBranchNumber issues the next branch number for an execution.
func (m *Manager) NextBranchNumber(executionID string) (uint32, error) {
	n, err := m.next("branch:" + executionID)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// FormatExecutionSerial renders an execution serial from its job serial and
// per-job number, e.g. JOB-2025-000042.0003.
func FormatExecutionSerial(jobSerial string, number uint32) string {
	return fmt.Sprintf("%s.%04d", jobSerial, number)
}

// FormatBranchSerial renders a branch serial from its execution serial and
// per-execution number.
func FormatBranchSerial(executionSerial string, number uint32) string {
	return fmt.Sprintf("%s.%04d", executionSerial, number)
}

// scopeLock returns the mutex for a scope, creating it on first use.
func (m *Manager) scopeLock(scope string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.scopes[scope]
	if !ok {
		lock = &sync.Mutex{}
		m.scopes[scope] = lock
	}
	return lock
}

// next atomically increments and returns the counter for a scope. The
// increment and read happen inside one transaction; the per-scope mutex
// orders concurrent callers relative to each other's commit order.
func (m *Manager) next(scope string) (int64, error) {
	lock := m.scopeLock(scope)
	lock.Lock()
	defer lock.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "serial counter unavailable for scope %s", scope), errors.KindSerialization)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO serial_counters (scope, value) VALUES (?, 0)
		 ON CONFLICT(scope) DO NOTHING`, scope,
	); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to seed serial counter for scope %s", scope), errors.KindSerialization)
	}

	if _, err := tx.Exec(
		`UPDATE serial_counters SET value = value + 1 WHERE scope = ?`, scope,
	); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to increment serial counter for scope %s", scope), errors.KindSerialization)
	}

	var value int64
	if err := tx.QueryRow(
		`SELECT value FROM serial_counters WHERE scope = ?`, scope,
	).Scan(&value); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to read serial counter for scope %s", scope), errors.KindSerialization)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "failed to commit serial counter for scope %s", scope), errors.KindSerialization)
	}

	return value, nil
}
