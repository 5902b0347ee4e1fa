// Package apperror defines the typed errors returned by the booking core.
// Every component converts storage and callback failures into an *Error so
// that callers can branch on Kind (or on the coarser Outcome) without ever
// seeing a raw driver error.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the top-level error class.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindConflict      Kind = "CONFLICT"
	KindTimeout       Kind = "TIMEOUT"
	KindStorage       Kind = "STORAGE"
	KindInconsistency Kind = "INCONSISTENCY"
)

const (
	CodeInvalidInput                = "INVALID_INPUT"
	CodeInvalidGranularity          = "INVALID_GRANULARITY"
	CodeNotFound                    = "NOT_FOUND"
	CodeInsufficientContinuousSlots = "INSUFFICIENT_CONTINUOUS_SLOTS"
	CodeSoldOut                     = "SOLD_OUT"
	CodeLockHeld                    = "LOCK_HELD"
	CodeLockTimeout                 = "LOCK_TIMEOUT"
	CodeDeadlockDetected            = "DEADLOCK_DETECTED"
	CodeFingerprintMismatch         = "FINGERPRINT_MISMATCH"
	CodeRequestInProgress           = "REQUEST_IN_PROGRESS"
	CodeRetriesExhausted            = "RETRIES_EXHAUSTED"
	CodePayloadTooLarge             = "PAYLOAD_TOO_LARGE"
	CodeInvalidTransition           = "INVALID_TRANSITION"
	CodePrepareFailed               = "PREPARE_FAILED"
	CodeParticipantTimeout          = "PARTICIPANT_TIMEOUT"
	CodeStepFailed                  = "STEP_FAILED"
	CodeStepTimeout                 = "STEP_TIMEOUT"
	CodeWaitTimeout                 = "WAIT_TIMEOUT"
	CodePartialCommit               = "PARTIAL_COMMIT"
	CodeCompensationFailed          = "COMPENSATION_FAILED"
	CodeStorageFailure              = "STORAGE_FAILURE"
)

// Error is the single error type surfaced by the core packages.
type Error struct {
	Kind      Kind           `json:"kind"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
	Err       error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured details and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func InvalidInput(message string) *Error {
	return Validation(CodeInvalidInput, message)
}

// Conflict errors are retryable: the conflicting state may clear.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message, Retryable: true}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindConflict, Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

func Timeout(code, message string) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: message, Retryable: true}
}

// Storage wraps a gateway failure. The cause is kept for logs but never
// rendered to clients.
func Storage(message string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeStorageFailure, Message: message, Retryable: true, Err: err}
}

// Wrap builds an error of any kind around a cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Retryable: kind != KindInconsistency, Err: err}
}

func Inconsistency(code, message string, err error) *Error {
	return &Error{Kind: KindInconsistency, Code: code, Message: message, Err: err}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the Kind of err. Untyped errors count as storage failures.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindStorage
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeStorageFailure
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Ensure converts any error into an *Error, wrapping untyped ones as storage
// failures.
func Ensure(err error, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Storage(message, err)
}

// HTTPStatus maps a Kind onto the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if e.Code == CodeNotFound {
		return http.StatusNotFound
	}
	switch e.Kind {
	case KindValidation:
		if e.Code == CodePayloadTooLarge {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
