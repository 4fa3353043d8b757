// Package apierr defines the engine-wide error taxonomy. Every error the core
// raises is one of these kinds; callers (HTTP handlers, the coordinator loop,
// the worker) branch on Kind rather than on string matching or sentinel
// values scattered across packages.
package apierr

import "fmt"

type Kind string

const (
	// ValidationError: bad submission (unknown handler, context schema
	// mismatch, cyclic workflow). Surfaced to the caller; no Task is persisted.
	KindValidation Kind = "validation_error"

	// TransientHandlerError: a StepHandler raised a retryable failure.
	// Recorded on the Step, consumed by retry logic, never surfaced to
	// end-user callers.
	KindTransientHandler Kind = "transient_handler_error"

	// PermanentHandlerError: a StepHandler raised a permanent failure. The
	// Step terminally errors (processed=true) without further retries.
	KindPermanentHandler Kind = "permanent_handler_error"

	// ServerRequestedBackoff: not an error per se, but a handler-signaled
	// delay that overrides exponential backoff for the next retry.
	KindServerRequestedBackoff Kind = "server_requested_backoff"

	// InvalidTransition: an illegal state change was attempted. Caller-facing
	// where administrative (cancel); an internal no-op where it represents a
	// benign race (requesting the current state again).
	KindInvalidTransition Kind = "invalid_transition"

	// ConcurrencyConflict: lost the claim race for a Step. Benign, logged,
	// retried on the next coordinator loop iteration.
	KindConcurrencyConflict Kind = "concurrency_conflict"

	// PersistenceError: the database was unavailable. The current loop
	// iteration aborts; the Job Queue collaborator is responsible for
	// redelivery. No state corruption, because transitions are transactional.
	KindPersistence Kind = "persistence_error"

	// ConfigurationError: invalid configuration at startup, or an invalid
	// handler declaration at registration. Fail fast.
	KindConfiguration Kind = "configuration_error"

	// DuplicateTask: submit_task matched an existing Task within the
	// identity_hash dedup window. ExistingID carries the Task it collided
	// with.
	KindDuplicate Kind = "duplicate_task"

	// NotFound: the referenced Task (or other resource) does not exist.
	KindNotFound Kind = "not_found"
)

// Error is the concrete error type carrying a Kind plus caller-facing detail.
// HTTP status mapping lives only in internal/httpapi; this type stays
// transport-agnostic so the same error can be logged, traced, and tested
// without importing net/http.
type Error struct {
	Kind   Kind
	Field  string // populated for KindValidation's "field, reason" contract
	Reason string
	Err    error
	// ExistingID is populated for KindDuplicate: the id of the Task the
	// submission collided with.
	ExistingID string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Field != "" && e.Reason != "":
		return fmt.Sprintf("%s: field=%q reason=%q", e.Kind, e.Field, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func ValidationField(field, reason string) *Error {
	return &Error{Kind: KindValidation, Field: field, Reason: reason}
}

// Duplicate reports a submit_task dedup-window collision.
func Duplicate(existingID string) *Error {
	return &Error{Kind: KindDuplicate, Reason: "duplicate task", ExistingID: existingID}
}

func NotFound(reason string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason}
}

// Is reports whether err is an *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise — used by handler-error classification in internal/executor.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}
