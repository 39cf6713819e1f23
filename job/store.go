package job

import (
	"database/sql"
	"encoding/json"

	"github.com/opslattice/dirigent/errors"
)

// Store handles persistence of job definitions
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a job and its actions in one transaction.
func (s *Store) Create(j *Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin job insert")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO jobs (id, serial, name, description, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Serial, j.Name, j.Description, j.Archived, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetailf(err, "Job serial: %s", j.Serial)
		return err
	}

	for _, a := range j.Actions {
		params := a.Params
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		_, err = tx.Exec(`
			INSERT INTO job_actions (id, job_id, ord, action_type, params, timeout_seconds)
			VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.JobID, a.Order, a.Type, string(params), a.TimeoutSeconds,
		)
		if err != nil {
			err = errors.Wrapf(err, "failed to create job action %d", a.Order)
			err = errors.WithDetailf(err, "Job serial: %s", j.Serial)
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit job insert")
}

// Get retrieves a job (with its actions) by UUID.
func (s *Store) Get(id string) (*Job, error) {
	return s.getWhere(`id = ?`, id)
}

// GetBySerial retrieves a job (with its actions) by serial.
func (s *Store) GetBySerial(serial string) (*Job, error) {
	return s.getWhere(`serial = ?`, serial)
}

func (s *Store) getWhere(where string, arg interface{}) (*Job, error) {
	var j Job
	err := s.db.QueryRow(`
		SELECT id, serial, name, description, archived, created_at, updated_at
		FROM jobs WHERE `+where, arg,
	).Scan(&j.ID, &j.Serial, &j.Name, &j.Description, &j.Archived, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %v", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	if err := s.loadActions(&j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) loadActions(j *Job) error {
	rows, err := s.db.Query(`
		SELECT id, job_id, ord, action_type, params, timeout_seconds
		FROM job_actions WHERE job_id = ? ORDER BY ord ASC`, j.ID)
	if err != nil {
		return errors.Wrap(err, "failed to list job actions")
	}
	defer rows.Close()

	for rows.Next() {
		var a Action
		var params string
		if err := rows.Scan(&a.ID, &a.JobID, &a.Order, &a.Type, &params, &a.TimeoutSeconds); err != nil {
			return errors.Wrap(err, "failed to scan job action")
		}
		a.Params = json.RawMessage(params)
		j.Actions = append(j.Actions, a)
	}
	return errors.Wrap(rows.Err(), "error iterating job actions")
}

// List returns jobs ordered by creation time, optionally including archived
// definitions. Actions are not loaded; use Get for the full definition.
func (s *Store) List(includeArchived bool, limit int) ([]*Job, error) {
	query := `
		SELECT id, serial, name, description, archived, created_at, updated_at
		FROM jobs`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Serial, &j.Name, &j.Description, &j.Archived, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &j)
	}
	return jobs, errors.Wrap(rows.Err(), "error iterating jobs")
}

// Archive soft-archives a job. Archived jobs keep their UUID and serial and
// remain resolvable for history; they only stop accepting submissions.
func (s *Store) Archive(id string) error {
	result, err := s.db.Exec(`
		UPDATE jobs SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to archive job")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	return nil
}
