/*
errors.go - Error taxonomy for the ledger engine

ERROR CATEGORIES:
  1. NotFound     - client, invoice or payment missing
  2. InvalidInput - bad amounts, missing items, non-positive dimensions
  3. InvalidState - operating on a CANCELLED/PAID invoice, strict overpayment
  4. Conflict     - duplicate sequence numbers; retried inside the engine

USAGE:
  if errors.Is(err, ledger.ErrNotFound) { ... }

  var se *ledger.StateError
  if errors.As(err, &se) { show(se.Reason) }

Messages are written for display. They only mention identifiers the caller
supplied.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict is returned by stores on unique violations (e.g. two
	// invoices with the same number). The engine retries these.
	ErrConflict = errors.New("conflict")

	// ErrCreditUnavailable is returned when reversing a payment whose
	// overpayment credit has already been consumed.
	ErrCreditUnavailable = errors.New("credit no longer available")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the kind of record that was missing.
type NotFoundError struct {
	Kind string // "client", "invoice", "payment"
	ID   string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Kind)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InputError describes a rejected field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// StateError describes why an operation is not allowed right now.
type StateError struct {
	Reason string
	cause  error
}

func (e *StateError) Error() string { return e.Reason }

func (e *StateError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrInvalidState, e.cause}
	}
	return []error{ErrInvalidState}
}

func notFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }
func badInput(field, reason string) error { return &InputError{Field: field, Reason: reason} }
func badState(reason string) error { return &StateError{Reason: reason} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
