package wire

import "fmt"

// ErrorKind is the flat error taxonomy from the error handling design.
// User-triggered kinds are surfaced to the chat user and logged at WARN;
// System kinds are never shown verbatim to the user and are logged at ERROR.
type ErrorKind string

const (
	// User-triggered.
	KindInvalidTopicContext ErrorKind = "invalid_topic_context"
	KindSessionNotFound     ErrorKind = "session_not_found"
	KindBindingNotFound     ErrorKind = "binding_not_found"
	KindBindingExists       ErrorKind = "binding_already_exists"
	KindConfigError         ErrorKind = "config_error"
	KindChatPlatformError   ErrorKind = "chat_platform_error"
	KindMaxInstancesReached ErrorKind = "max_instances_reached"

	// System.
	KindInstanceStartFailed   ErrorKind = "instance_start_failed"
	KindInstanceStopFailed    ErrorKind = "instance_stop_failed"
	KindPortExhausted         ErrorKind = "port_allocation_exhausted"
	KindDatabaseError         ErrorKind = "database_error"
	KindWorkerAPIError        ErrorKind = "worker_api_error"
	KindWorkerConnectionError ErrorKind = "worker_connection_error"
	KindIOError               ErrorKind = "io_error"
	KindSerializationError    ErrorKind = "serialization_error"
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
)

// userTriggered is the set of kinds that are safe to echo to the chat user.
var userTriggered = map[ErrorKind]bool{
	KindInvalidTopicContext: true,
	KindSessionNotFound:     true,
	KindBindingNotFound:     true,
	KindBindingExists:       true,
	KindConfigError:         true,
	KindChatPlatformError:   true,
	KindMaxInstancesReached: true,
}

// IsUserTriggered reports whether errors of this kind should be echoed to
// the user verbatim rather than replaced with a generic apology.
func (k ErrorKind) IsUserTriggered() bool {
	return userTriggered[k]
}

// renderTemplates gives each kind a human-readable rendering; system kinds
// render the same generic apology regardless of the wrapped detail, per §7.
var renderTemplates = map[ErrorKind]string{
	KindInvalidTopicContext: "This command only works inside a thread.",
	KindSessionNotFound:     "No active session for this thread yet — send a message to start one.",
	KindBindingNotFound:     "This thread isn't bound to a project yet.",
	KindBindingExists:       "This thread is already bound to a project.",
	KindConfigError:         "Configuration problem: %s",
	KindChatPlatformError:   "Chat platform error: %s",
	KindMaxInstancesReached: "All worker slots are busy right now — try again in a moment.",
}

const genericApology = "Something went wrong on our end. The team has been notified."

// Error is a typed, wrapped error carrying an ErrorKind for propagation
// policy decisions (§7): whether to echo to the user, and at what log level.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a wire.Error of the given kind wrapping err (which may be nil).
func New(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// UserMessage renders the text that should be echoed to the chat user for
// this error: the kind's template for user-triggered kinds, or a generic
// apology for system kinds (never leak internals to the user).
func (e *Error) UserMessage() string {
	if !e.Kind.IsUserTriggered() {
		return genericApology
	}
	tmpl, ok := renderTemplates[e.Kind]
	if !ok {
		return genericApology
	}
	if containsVerb(tmpl) {
		return fmt.Sprintf(tmpl, e.Msg)
	}
	return tmpl
}

func containsVerb(tmpl string) bool {
	for i := 0; i < len(tmpl)-1; i++ {
		if tmpl[i] == '%' && tmpl[i+1] == 's' {
			return true
		}
	}
	return false
}
