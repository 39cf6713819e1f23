package engine

import (
	"database/sql"
	"time"

	"github.com/opslattice/dirigent/errors"
)

// Phase attributes a log entry to the stage of branch execution it came
// from, so audit consumers can tell a failed login from a failed command.
type Phase string

const (
	PhaseAuthentication   Phase = "authentication"
	PhaseCommunication    Phase = "communication"
	PhaseActionExecution  Phase = "action_execution"
	PhaseResultCollection Phase = "result_collection"
	PhaseSystem           Phase = "system"
)

// Log levels mirror the structured logger's.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// CategoryCleanup marks entries written by the stale-execution reaper.
const CategoryCleanup = "cleanup"

// LogEntry is one append-only audit record of an execution. Entries are
// never updated; only retention cleanup removes them.
type LogEntry struct {
	ExecutionID string    `json:"execution_id"`
	BranchID    string    `json:"branch_id,omitempty"`
	Phase       Phase     `json:"phase"`
	Level       string    `json:"level"`
	Category    string    `json:"category,omitempty"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogStore handles the append-only execution audit trail
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a new execution log store
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// Append writes one audit entry. CreatedAt defaults to now.
func (s *LogStore) Append(entry LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO execution_logs (execution_id, branch_id, phase, level, category, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, entry.BranchID, entry.Phase, entry.Level, entry.Category, entry.Message, entry.CreatedAt,
	)
	return errors.Wrap(err, "failed to append execution log")
}

// List returns an execution's audit entries in write order.
func (s *LogStore) List(executionID string) ([]LogEntry, error) {
	rows, err := s.db.Query(`
		SELECT execution_id, branch_id, phase, level, category, message, created_at
		FROM execution_logs WHERE execution_id = ? ORDER BY rowkey ASC`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list execution logs")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ExecutionID, &e.BranchID, &e.Phase, &e.Level, &e.Category, &e.Message, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution log")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "error iterating execution logs")
}

// DeleteOlderThan removes audit entries written before the cutoff and
// returns how many were deleted. Retention cleanup is the only delete path.
func (s *LogStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM execution_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune execution logs")
	}
	n, err := result.RowsAffected()
	return n, errors.Wrap(err, "failed to get rows affected")
}
