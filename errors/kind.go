package errors

// Kind classifies an engine error into the dispatch taxonomy. Every terminal
// branch and every rejected submission carries exactly one Kind so that
// consumers (aggregation, logs, the event stream) never have to parse error
// strings.
type Kind string

const (
	// KindValidation rejects bad job/target input before any execution exists.
	KindValidation Kind = "validation_error"
	// KindAuthentication covers credential failures against a target.
	KindAuthentication Kind = "authentication_error"
	// KindCommunication covers connect/transport failures against a target.
	KindCommunication Kind = "communication_error"
	// KindCommandExecution covers actions that ran and reported failure.
	KindCommandExecution Kind = "command_execution_error"
	// KindTimeout covers per-action deadline expiry.
	KindTimeout Kind = "timeout_error"
	// KindSerialization covers an unreachable serial counter; the whole
	// submission fails closed.
	KindSerialization Kind = "serialization_error"
	// KindSystem covers infrastructure failures and reaper-detected staleness.
	KindSystem Kind = "system_error"

	// KindUnknown is returned by KindOf for errors without a marker.
	KindUnknown Kind = "unknown"
)

// kindError attaches a Kind to an error chain.
type kindError struct {
	cause error
	kind  Kind
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

// Mark attaches kind to err. Marking nil returns nil. If err already carries
// a kind deeper in the chain, the outermost mark wins in KindOf.
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: err, kind: kind}
}

// Markf creates a new error of the given kind.
func Markf(kind Kind, format string, args ...interface{}) error {
	return Mark(Newf(format, args...), kind)
}

// KindOf returns the Kind of the outermost marked error in the chain, or
// KindUnknown when no mark is present.
func KindOf(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		err = Unwrap(err)
	}
	return KindUnknown
}

// HasKind reports whether the chain carries the given kind at its outermost
// mark.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
