package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindRateLimit      Kind = "RATE_LIMIT"
	KindNotFound       Kind = "NOT_FOUND"
	KindState          Kind = "STATE"
	KindConflict       Kind = "CONFLICT"
	KindInfrastructure Kind = "INFRASTRUCTURE"
)

// Error is the failure value every public operation returns. Code is stable
// and machine readable, Message is safe to show to an operator.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so that sentinels survive WithMessage and Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Retryable() bool { return e.Kind == KindConflict }

// WithMessage returns a copy carrying a more specific operator message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	clone := *e
	clone.Message = fmt.Sprintf(format, args...)
	return &clone
}

// Wrap returns a copy that records cause as the underlying error.
func (e *Error) Wrap(cause error) *Error {
	clone := *e
	clone.Err = cause
	return &clone
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidInput       = newError(KindValidation, "INVALID_INPUT", "invalid input")
	ErrInvalidIdentity    = newError(KindValidation, "INVALID_IDENTITY", "identity is not a valid RUT")
	ErrInvalidTicketType  = newError(KindValidation, "INVALID_TICKET_TYPE", "ticket type must be GENERAL or PREFERENTIAL")
	ErrReasonTooShort     = newError(KindValidation, "REASON_TOO_SHORT", "a cancellation reason is required")
	ErrAmountMismatch     = newError(KindValidation, "AMOUNT_MISMATCH", "withdrawal amounts do not match the handover policy")
	ErrExpectedMismatch   = newError(KindValidation, "EXPECTED_CASH_MISMATCH", "expected cash does not match the session records")
	ErrInvalidCredentials = newError(KindAuthorization, "INVALID_CREDENTIALS", "invalid credentials")
	ErrOwnerMismatch      = newError(KindAuthorization, "OWNER_MISMATCH", "resource belongs to another operator")
	ErrForbidden          = newError(KindAuthorization, "FORBIDDEN", "role not allowed for this action")
	ErrDailyCapExceeded   = newError(KindRateLimit, "DAILY_CAP_EXCEEDED", "daily ticket limit reached for this customer")
	ErrLockedOut          = newError(KindRateLimit, "LOCKED_OUT", "too many failed attempts, try again later")
	ErrTooManyRequests    = newError(KindRateLimit, "TOO_MANY_REQUESTS", "too many requests")
	ErrTicketNotFound     = newError(KindNotFound, "TICKET_NOT_FOUND", "ticket not found")
	ErrTerminalNotFound   = newError(KindNotFound, "TERMINAL_NOT_FOUND", "terminal not found")
	ErrNoActiveShift      = newError(KindNotFound, "NO_ACTIVE_SHIFT", "terminal has no open cash session")
	ErrInvalidState       = newError(KindState, "INVALID_STATE", "entity is not in the required state")
	ErrShiftAlreadyOpen   = newError(KindState, "SHIFT_ALREADY_OPEN", "terminal already has an open cash session")
	ErrConflict           = newError(KindConflict, "CONFLICT", "resource is busy, try again")
	ErrInfrastructure     = newError(KindInfrastructure, "INTERNAL", "internal error")
)

// Infrastructure wraps an unexpected failure with a fresh correlation id.
func Infrastructure(cause error) *Error {
	e := ErrInfrastructure.Wrap(cause)
	e.CorrelationID = uuid.NewString()
	return e
}

// AsError returns err as *Error, treating anything unclassified as an
// infrastructure failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Infrastructure(err)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
