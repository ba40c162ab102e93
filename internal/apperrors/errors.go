// Package apperrors defines the failure categories shared by the escrow,
// settlement, withdrawal and custody layers. Handlers switch on the
// category; the message is safe to show to operators as-is.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Categories. Match them with errors.Is or the IsX helpers.
var (
	ErrValidation           = errors.New("validation failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAlreadyProcessed     = errors.New("already processed")
	ErrUncertainOutcome     = errors.New("uncertain external outcome")
	ErrConfigurationMissing = errors.New("not configured")
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrConflict             = errors.New("concurrent update")
	ErrForbidden            = errors.New("forbidden")
	ErrInternal             = errors.New("internal error")
)

var kinds = []error{
	ErrValidation,
	ErrInsufficientFunds,
	ErrAlreadyProcessed,
	ErrUncertainOutcome,
	ErrConfigurationMissing,
	ErrNotFound,
	ErrInvalidState,
	ErrConflict,
	ErrForbidden,
}

// Error carries a category plus operator-facing context.
type Error struct {
	Kind    error
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// WithCause attaches the underlying error without changing the category.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func newError(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(field, msg string) *Error {
	e := newError(ErrValidation, "VALIDATION_ERROR", msg)
	e.Details = map[string]any{"field": field}
	return e
}

// InsufficientFunds reports both sides of the failed balance check.
func InsufficientFunds(required, available decimal.Decimal, currency string) *Error {
	e := newError(ErrInsufficientFunds, "INSUFFICIENT_FUNDS",
		fmt.Sprintf("insufficient funds: required %s %s, available %s %s",
			required.String(), currency, available.String(), currency))
	e.Details = map[string]any{
		"required":  required.String(),
		"available": available.String(),
		"currency":  currency,
	}
	return e
}

func AlreadyProcessed(resource, id string) *Error {
	e := newError(ErrAlreadyProcessed, "ALREADY_PROCESSED", fmt.Sprintf("%s %s already processed", resource, id))
	e.Details = map[string]any{"id": id}
	return e
}

func Uncertain(msg string, cause error) *Error {
	return newError(ErrUncertainOutcome, "UNCERTAIN_OUTCOME", msg).WithCause(cause)
}

func ConfigurationMissing(what string) *Error {
	e := newError(ErrConfigurationMissing, "NOT_CONFIGURED", what+" is not configured")
	e.Details = map[string]any{"missing": what}
	return e
}

func NotFound(resource string) *Error {
	return newError(ErrNotFound, "NOT_FOUND", resource+" not found")
}

// InvalidState is returned when the entity is not in a status the
// operation can start from.
func InvalidState(resource, status, op string) *Error {
	e := newError(ErrInvalidState, "INVALID_STATE",
		fmt.Sprintf("cannot %s %s in status %s", op, resource, status))
	e.Details = map[string]any{"status": status}
	return e
}

func Conflict(resource string) *Error {
	return newError(ErrConflict, "CONFLICT", resource+" changed concurrently, retry")
}

func Forbidden(msg string) *Error {
	return newError(ErrForbidden, "FORBIDDEN", msg)
}

func Internal(msg string, cause error) *Error {
	return newError(ErrInternal, "INTERNAL", msg).WithCause(cause)
}

// KindOf returns the category of err. Uncategorised errors are internal;
// nil has no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

func IsKind(err, kind error) bool { return err != nil && KindOf(err) == kind }

func IsValidation(err error) bool        { return errors.Is(err, ErrValidation) }
func IsInsufficientFunds(err error) bool { return errors.Is(err, ErrInsufficientFunds) }
func IsAlreadyProcessed(err error) bool  { return errors.Is(err, ErrAlreadyProcessed) }
func IsUncertain(err error) bool         { return errors.Is(err, ErrUncertainOutcome) }
func IsNotConfigured(err error) bool     { return errors.Is(err, ErrConfigurationMissing) }
func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsInvalidState(err error) bool      { return errors.Is(err, ErrInvalidState) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsForbidden(err error) bool         { return errors.Is(err, ErrForbidden) }

// As extracts the structured error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
