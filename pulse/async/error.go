package async

import (
	"context"
	"database/sql"

	"github.com/teranos/testpulse/errors"
)

// ErrorCode represents the classification of a task failure
type ErrorCode string

const (
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeWorkerLost      ErrorCode = "worker_lost"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeNotFound        ErrorCode = "not_found"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodeDatabaseError   ErrorCode = "database_error"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext provides structured error information for task failures
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message
}

// ClassifyError categorizes an error by the sentinel it carries.
// Tasks are never retried; the code only tells operators what happened.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Stage: stage, Message: err.Error()}
	switch {
	case errors.IsTimeoutError(err), errors.Is(err, context.DeadlineExceeded):
		ec.Code = ErrorCodeTimeout
	case errors.IsWorkerLostError(err):
		ec.Code = ErrorCodeWorkerLost
	case errors.IsValidationError(err):
		ec.Code = ErrorCodeValidationError
	case errors.IsNotFoundError(err):
		ec.Code = ErrorCodeNotFound
	case errors.Is(err, context.Canceled):
		ec.Code = ErrorCodeCancelled
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		ec.Code = ErrorCodeDatabaseError
	default:
		ec.Code = ErrorCodeUnknown
	}
	return ec
}
