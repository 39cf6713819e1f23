// Package comms implements protocol executors: one per communication method
// kind, each executing a single job action against a single target.
//
// Executors are constructed from the communication method's typed settings,
// validated up front rather than at call time. Every Execute call acquires
// its connection, runs one action, and releases the connection on all exit
// paths. Failures are classified into the engine error taxonomy via
// errors.Mark so callers never parse message strings.
package comms

import (
	"context"

	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

// Result is the outcome of one action against one target.
type Result struct {
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Executor runs a single action against a single target. Implementations
// must honor ctx deadline and cancellation and must not leak connections on
// error.
type Executor interface {
	// Kind returns the communication method kind this executor speaks.
	Kind() target.MethodKind

	// Execute runs one action with the given credential. The returned error,
	// if any, carries an errors.Kind classification.
	Execute(ctx context.Context, action job.Action, cred *target.Credential) (Result, error)
}

// Factory builds an executor for a communication method. The engine depends
// on this interface so tests can substitute fakes.
type Factory interface {
	Executor(method *target.CommunicationMethod) (Executor, error)
}

// Registry is the default Factory over the closed set of protocol
// implementations, selected by method kind.
type Registry struct{}

// NewRegistry creates the default executor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Executor constructs the executor variant for the method's kind, decoding
// and validating its settings. An unknown kind or invalid settings is a
// validation error: the method should never have been stored.
func (r *Registry) Executor(method *target.CommunicationMethod) (Executor, error) {
	switch method.Kind {
	case target.MethodSSH:
		return newSSHExecutor(method.Settings)
	case target.MethodWinRM:
		return newWinRMExecutor(method.Settings)
	case target.MethodHTTP:
		return newHTTPExecutor(method.Settings)
	case target.MethodDatabase:
		return newDatabaseExecutor(method.Settings)
	case target.MethodSMTP:
		return newSMTPExecutor(method.Settings)
	default:
		return nil, errors.Markf(errors.KindValidation, "unsupported communication method kind: %s", method.Kind)
	}
}

// ctxError translates a context failure observed during an action into the
// taxonomy: deadline expiry is a timeout, explicit cancellation passes
// through unmarked so the runner can distinguish it from failure.
func ctxError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return errors.Mark(errors.Wrap(err, "action deadline exceeded"), errors.KindTimeout)
	case ctx.Err() == context.Canceled:
		return context.Canceled
	default:
		return nil
	}
}
