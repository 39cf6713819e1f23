// Package job defines reusable automation job definitions.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionType identifies what an action does against a target.
type ActionType string

const (
	ActionCommand      ActionType = "command"
	ActionScript       ActionType = "script"
	ActionFileTransfer ActionType = "file_transfer"
	ActionHTTPRequest  ActionType = "http_request"
	ActionSQLQuery     ActionType = "sql_query"
	ActionMailMessage  ActionType = "mail_message"
)

// IsValidActionType returns true if the string is a known ActionType.
func IsValidActionType(s string) bool {
	switch ActionType(s) {
	case ActionCommand, ActionScript, ActionFileTransfer,
		ActionHTTPRequest, ActionSQLQuery, ActionMailMessage:
		return true
	default:
		return false
	}
}

// Action is one ordered step of a job. Actions are immutable once an
// execution references their job.
type Action struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id"`
	Order          int             `json:"order"`
	Type           ActionType      `json:"type"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// Timeout returns the per-action deadline, or fallback when the action does
// not carry its own.
func (a Action) Timeout(fallback time.Duration) time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Job is a reusable automation definition: an ordered list of actions
// dispatched against one or more targets. The UUID and serial are assigned
// at creation and never change; jobs are archived, never deleted.
type Job struct {
	ID          string    `json:"id"`
	Serial      string    `json:"serial"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Archived    bool      `json:"archived,omitempty"`
	Actions     []Action  `json:"actions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New creates a job definition with a fresh UUID. The serial must come from
// the serial manager; actions are renumbered densely from 1 in the order
// given.
func New(serial, name, description string, actions []Action) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		Serial:      serial,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range actions {
		a := actions[i]
		a.ID = uuid.NewString()
		a.JobID = j.ID
		a.Order = i + 1
		j.Actions = append(j.Actions, a)
	}
	return j
}

// Archive marks the job unavailable for new submissions.
func (j *Job) Archive() {
	j.Archived = true
	j.UpdatedAt = time.Now().UTC()
}
