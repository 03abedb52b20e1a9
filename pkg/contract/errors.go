package contract

import (
	"errors"
	"fmt"
)

// ErrorKind is the engine's error taxonomy (§7): kinds, not concrete
// types, so a caller can classify an error without knowing which
// subsystem raised it.
type ErrorKind string

const (
	// KindInvalidRequest is malformed arguments or an unknown
	// session/provider. Surfaced to the caller; no retry.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindPermissionDenied is a capability gate refusal. Surfaced in a
	// tool result with is_error; the turn continues.
	KindPermissionDenied ErrorKind = "permission_denied"

	// KindProviderError is a provider failure. For the chat call it
	// escapes to the caller; for tool/summarizer/retriable paths it is
	// retried per policy.
	KindProviderError ErrorKind = "provider_error"

	// KindCancelled is cooperative cancellation. Always surfaced as a
	// terminal state, never as an error value the caller must unwrap.
	KindCancelled ErrorKind = "cancelled"

	// KindNotImplemented is an optional capability absent.
	KindNotImplemented ErrorKind = "not_implemented"

	// KindStoreError is an infrastructural store failure.
	KindStoreError ErrorKind = "store_error"

	// KindJournalError is an infrastructural journal failure.
	KindJournalError ErrorKind = "journal_error"
)

// Retryable reports whether a caller may reasonably retry an operation
// that failed with this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindProviderError
}

// EngineError is a structured error carrying a taxonomy kind plus the
// underlying cause, in the teacher's ToolError idiom.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("[%s]", e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewEngineError builds an EngineError of the given kind wrapping cause.
func NewEngineError(kind ErrorKind, cause error) *EngineError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &EngineError{Kind: kind, Message: msg, Cause: cause}
}

// WithMessage overrides the human-readable message.
func (e *EngineError) WithMessage(msg string) *EngineError {
	e.Message = msg
	return e
}

// IsKind reports whether err is (or wraps) an EngineError of the given
// kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// GetEngineError extracts an EngineError from an error chain.
func GetEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

var (
	// ErrCancelled is returned by suspension points when a session's
	// cancellation token has been flipped.
	ErrCancelled = errors.New("nexus: cancelled")

	// ErrStreamClosed is returned when a subscriber's event stream
	// closes while the engine is parked in WaitingForEvent.
	ErrStreamClosed = errors.New("nexus: event stream closed while waiting")
)
