// Package loanerr defines the error taxonomy shared by the EMI engine.
//
// Validation failures are reported to the caller and never retried. Remote
// failures are classified so the sync manager can decide between retrying,
// surfacing a rejection and forcing a refresh.
package loanerr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInvalidLoanState    = errors.New("invalid loan state")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrOverpayment         = errors.New("overpayment not allowed")

	ErrTransient      = errors.New("transient network error")
	ErrRemoteRejected = errors.New("rejected by remote service")
	ErrNotFound       = errors.New("not found")
	ErrStateConflict  = errors.New("state conflict")
)

// ValidationError carries the reason a request was refused before any state
// was touched.
type ValidationError struct {
	Err       error
	Message   string
	Shortfall decimal.Decimal // set for ErrInsufficientPayment
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError for the given sentinel.
func Invalid(sentinel error, format string, args ...any) *ValidationError {
	return &ValidationError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// Insufficient builds the InsufficientPayment error reporting the shortfall.
func Insufficient(due, paid decimal.Decimal) *ValidationError {
	shortfall := due.Sub(paid)
	return &ValidationError{
		Err:       ErrInsufficientPayment,
		Message:   fmt.Sprintf("due %s, paid %s, short by %s", due.StringFixed(2), paid.StringFixed(2), shortfall.StringFixed(2)),
		Shortfall: shortfall,
	}
}

// RemoteError is a failed call to the remote system of record.
type RemoteError struct {
	Err        error // one of ErrTransient, ErrRemoteRejected, ErrNotFound, ErrStateConflict
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
	return fmt.Sprintf("%s (status %d): %s", e.Err, e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Retryable reports whether the sync manager should retry the operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// RefreshRequired reports whether local state must be refreshed from the
// remote snapshot before the user can act again.
func RefreshRequired(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrStateConflict)
}
