// Package shared contains common domain types, errors and events used across
// all domain packages.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound = errors.New("entity not found")

	// Validation errors: malformed or out-of-range input, the event is rejected
	// and state is left untouched.
	ErrValidation = errors.New("validation error")

	// Progression errors
	ErrOutOfOrder       = errors.New("step completed out of order")
	ErrAlreadyCompleted = errors.New("step already completed")
	ErrInvalidState     = errors.New("invalid state")

	// Persistence errors
	ErrStoreUnavailable       = errors.New("durable store unavailable")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "metrics", "progression", "store"
	Op      string // operation that failed, e.g. "Apply", "CompleteStep"
	Kind    error  // base error for errors.Is() checks
	Message string
	Err     error // underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Validationf builds a validation error with a formatted message.
func Validationf(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// StoreUnavailable wraps a transport or driver failure from the durable store.
func StoreUnavailable(op string, err error) *DomainError {
	return WrapError("store", op, ErrStoreUnavailable, "durable store call failed", err)
}

// Conflict reports a version mismatch on an optimistic write.
func Conflict(op, key string) *DomainError {
	return NewDomainError("store", op, ErrConcurrentModification, "version changed for "+key)
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsOutOfOrder reports a completion attempted on a locked step.
// The caller's view is out of sync and must be reloaded from the store.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}

// IsAlreadyCompleted reports a duplicate completion. Safe to treat as success.
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted)
}

// IsInvalidState reports a stored record in a shape no transition can produce.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsStoreUnavailable reports a durable store failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsConflict reports an optimistic-concurrency version mismatch.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsRetryable checks if the same call can simply be repeated.
// Conflicts are not retryable this way: the caller has to re-read first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
