package domain

import (
	"errors"
	"fmt"
)

// Error classes. Callers test with errors.Is; the HTTP layer maps each class
// to a status code.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrDependency   = errors.New("dependency failure")
	ErrTimeout      = errors.New("request timed out")
	ErrNoResponse   = errors.New("no response from model")
)

// Sentinel errors for specific validation and authorization failures.
var (
	ErrMissingOwner     = fmt.Errorf("%w: missing owner id", ErrUnauthorized)
	ErrRequired         = errors.New("required")
	ErrNonPositivePrice = errors.New("price must be greater than 0")
	ErrNoMessages       = errors.New("messages must be a non-empty list")
	ErrInvalidRole      = errors.New("invalid message role")
	ErrInvalidID        = errors.New("invalid product id")
)

// ValidationError wraps a sentinel with the offending field.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// Is reports every ValidationError as ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// DependencyError reports a failed call to an external service (vector index,
// model, embedding service, relational store, payment API).
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Is reports every DependencyError as ErrDependency.
func (e *DependencyError) Is(target error) bool { return target == ErrDependency }

// Dependency wraps err as a DependencyError. A nil err stays nil.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Op: op, Err: err}
}
