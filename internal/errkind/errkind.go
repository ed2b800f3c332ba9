// Package errkind defines the coarse error taxonomy shared by the broker
// client, the reconciler, and the lifecycle engine. These are kinds, not
// wrapped error chains: callers classify an error once at the boundary and
// everything upstream switches on the kind rather than re-inspecting HTTP
// status codes or driver errors.
package errkind

// Kind is a coarse classification of a failure, used to decide policy
// (retry, surface, remove-and-fallthrough) rather than to describe detail.
type Kind int

const (
	// Unknown is the zero value; callers should avoid returning it.
	Unknown Kind = iota
	// TransientUpstream covers network errors, timeouts, and 5xx from the broker.
	TransientUpstream
	// PermanentUpstream covers 4xx with a structured error body, or a
	// terminal-order error surfaced from a modify call.
	PermanentUpstream
	// ProtocolViolation covers a malformed stream message.
	ProtocolViolation
	// StateConflict covers two active stop-limits detected for one symbol.
	StateConflict
	// PersistenceFailure covers a durable-store read/write error.
	PersistenceFailure
	// ConfigError covers an invalid tracker configuration update.
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case TransientUpstream:
		return "transient_upstream"
	case PermanentUpstream:
		return "permanent_upstream"
	case ProtocolViolation:
		return "protocol_violation"
	case StateConflict:
		return "state_conflict"
	case PersistenceFailure:
		return "persistence_failure"
	case ConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can switch on
// classification without parsing messages.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err still produces a non-nil *Error
// carrying just the kind, which is useful for sentinel-style classification.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
