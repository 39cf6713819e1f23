package comms

import (
	"encoding/json"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
)

// CommandParams parameterizes a command action.
type CommandParams struct {
	Command string `json:"command"`
}

// ScriptParams parameterizes a script action. The interpreter defaults to
// the protocol's native shell.
type ScriptParams struct {
	Interpreter string `json:"interpreter,omitempty"`
	Script      string `json:"script"`
}

// FileTransferParams parameterizes a file-transfer action. The payload is
// carried inline in the job definition.
type FileTransferParams struct {
	Content    string `json:"content"`
	RemotePath string `json:"remote_path"`
	Mode       uint32 `json:"mode,omitempty"`
}

// HTTPRequestParams parameterizes an HTTP request action.
type HTTPRequestParams struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	Body         string            `json:"body,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ExpectStatus []int             `json:"expect_status,omitempty"`
}

// SQLQueryParams parameterizes a SQL query action. Query selects row output;
// otherwise the statement is executed and rows-affected reported.
type SQLQueryParams struct {
	Statement string `json:"statement"`
	Query     bool   `json:"query,omitempty"`
}

// MailMessageParams parameterizes a mail-message action.
type MailMessageParams struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body,omitempty"`
}

// decodeParams unmarshals an action's params into the typed struct for its
// action type. Malformed params are a validation error: the job definition
// itself is bad, not the target.
func decodeParams(action job.Action, into interface{}) error {
	raw := action.Params
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Mark(errors.Wrapf(err, "malformed %s action params", action.Type), errors.KindValidation)
	}
	return nil
}

// unsupportedAction rejects an action type the protocol cannot express.
func unsupportedAction(kind string, action job.Action) error {
	return errors.Markf(errors.KindValidation, "%s executor does not support %s actions", kind, action.Type)
}
