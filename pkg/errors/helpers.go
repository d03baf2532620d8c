package errors

import (
	"context"
	"errors"
)

// IsDispatch checks if an error is a dispatch failure, local or remote.
func IsDispatch(err error) bool {
	if err == nil {
		return false
	}

	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return true
	}
	code := GetErrorCode(err)
	return code == CodeCommandDispatch || code == CodeQueryDispatch
}

// IsExecution checks if an error reports a failing handler.
func IsExecution(err error) bool {
	if err == nil {
		return false
	}

	var executionErr *ExecutionError
	if errors.As(err, &executionErr) {
		return true
	}
	code := GetErrorCode(err)
	return code == CodeCommandExecution || code == CodeQueryExecution
}

// IsNoResult checks if a response stream completed without any result.
func IsNoResult(err error) bool {
	return err != nil && errors.Is(err, ErrNoResult)
}

// IsRegistryConflict checks if an error is a duplicate subscription query registration.
func IsRegistryConflict(err error) bool {
	if err == nil {
		return false
	}

	var conflictErr *RegistryConflictError
	return errors.As(err, &conflictErr) || errors.Is(err, ErrDuplicateSubscription)
}

// IsDeadlineExceeded checks if an error indicates an expired deadline.
func IsDeadlineExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return GetErrorCode(err) == CodeDeadlineExceeded
}

// IsNoHandler checks if no handler was available for a message.
func IsNoHandler(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoHandler) {
		return true
	}
	code := GetErrorCode(err)
	return code == CodeNoHandlerForCommand || code == CodeNoHandlerForQuery
}

// IsConnectionLost checks if an error was caused by a dropped connection.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected) ||
		GetErrorCode(err) == CodeConnectionFailed
}

// ShouldRetry checks if an operation should be retried based on the error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if IsExecution(err) {
		return false
	}
	if IsConnectionLost(err) || IsDeadlineExceeded(err) {
		return true
	}
	return IsRetryable(GetErrorCode(err))
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Code()
	}

	switch {
	case errors.Is(err, ErrNoHandler):
		return CodeNoHandlerForCommand
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrNotConnected):
		return CodeConnectionFailed
	case errors.Is(err, ErrQueueFull):
		return CodeResourceExhausted
	default:
		return CodeInternal
	}
}

// GetErrorMessage extracts a human-readable message from an error.
func GetErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var customErr Error
	if errors.As(err, &customErr) {
		return customErr.Message()
	}

	return err.Error()
}
