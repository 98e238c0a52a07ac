// Package errors provides error handling for testpulse.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for CLI output
//
// Usage:
//
//	// Wrap with context
//	if err := store.Insert(ctx, edge); err != nil {
//	    return errors.Wrap(err, "failed to insert dependency edge")
//	}
//
//	// Reject bad input before any mutation
//	return errors.NewValidationError("test case %d cannot depend on itself", id)
//
//	// Check errors
//	if errors.Is(err, errors.ErrCycle) {
//	    // surface the offending pair
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
	Mark               = crdb.Mark
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrValidation indicates input was rejected before any state changed
	ErrValidation = New("validation failed")

	// ErrCycle indicates a dependency edge would close a cycle
	ErrCycle = New("dependency cycle")

	// ErrConflict indicates a resource conflict (e.g., duplicate active edge)
	ErrConflict = New("resource conflict")

	// ErrDataIntegrity flags stored state that violates an invariant (e.g. a
	// cycle among enabled edges). Reported, not fatal.
	ErrDataIntegrity = New("data integrity warning")

	// ErrTimeout indicates an execution exceeded its wall-clock limit
	ErrTimeout = New("execution timed out")

	// ErrWorkerLost indicates the worker running a task died before reporting
	ErrWorkerLost = New("worker lost")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsCycleError checks if an error is or wraps ErrCycle
func IsCycleError(err error) bool {
	return err != nil && Is(err, ErrCycle)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsDataIntegrityWarning checks if an error is or wraps ErrDataIntegrity
func IsDataIntegrityWarning(err error) bool {
	return err != nil && Is(err, ErrDataIntegrity)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsWorkerLostError checks if an error is or wraps ErrWorkerLost
func IsWorkerLostError(err error) bool {
	return err != nil && Is(err, ErrWorkerLost)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// WrapValidation marks an existing error (e.g. from a struct validator) as a validation error
func WrapValidation(err error, context string) error {
	if err == nil {
		return nil
	}
	return Wrap(Mark(err, ErrValidation), context)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
