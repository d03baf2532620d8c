package errors

import (
	"errors"
	"fmt"
)

// Common sentinel errors for quick checks
var (
	// ErrNoResult is returned when a stream completes before any response arrived.
	ErrNoResult = errors.New("no result from executor")

	// ErrDuplicateSubscription is returned when a subscription query id is already active in its context.
	ErrDuplicateSubscription = errors.New("subscription query already registered")

	// ErrRouterStopped is returned when a router has been disconnected.
	ErrRouterStopped = errors.New("router stopped")

	// ErrQueueFull is returned when an executor rejects a task because its queue is at capacity.
	ErrQueueFull = errors.New("executor queue full")

	// ErrExecutorShutdown is returned when a task is submitted after shutdown.
	ErrExecutorShutdown = errors.New("executor shut down")

	// ErrNotConnected is returned when no connection to the hub is available.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost is returned to pending calls when the connection drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrDeadlineExceeded is returned when a call outlives its deadline.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrNoHandler is returned when no handler is registered for a message.
	ErrNoHandler = errors.New("no handler registered")

	// ErrBufferOverflow is returned when an update buffer overflows under the fail strategy.
	ErrBufferOverflow = errors.New("update buffer overflow")
)

// Error is the base interface for all custom errors in the system.
// It extends the standard error interface with additional context.
type Error interface {
	error
	// Code returns the error code
	Code() string
	// Message returns the human-readable error message
	Message() string
	// Unwrap returns the underlying cause
	Unwrap() error
}

// BaseError provides a foundation for all typed errors.
type BaseError struct {
	code    string
	message string
	cause   error
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *BaseError) Code() string {
	return e.code
}

// Message returns the error message.
func (e *BaseError) Message() string {
	return e.message
}

// Unwrap returns the underlying cause.
func (e *BaseError) Unwrap() error {
	return e.cause
}

// DispatchError is a transport or serialization failure while sending a
// request or awaiting its response. It is delivered to the caller's callback
// or future, never returned synchronously from a dispatch.
type DispatchError struct {
	*BaseError
	MessageID string
}

// NewDispatchError creates a dispatch error with the given code.
func NewDispatchError(code, messageID, message string, cause error) *DispatchError {
	return &DispatchError{
		BaseError: &BaseError{
			code:    code,
			message: message,
			cause:   cause,
		},
		MessageID: messageID,
	}
}

// NewNoResultError reports that a response stream completed without results.
func NewNoResultError(code, messageID, message string) *DispatchError {
	return NewDispatchError(code, messageID, message, ErrNoResult)
}

// ExecutionError is a failure raised by a local handler while processing an
// inbound request. It is serialized back to the caller.
type ExecutionError struct {
	*BaseError
	Handler string
}

// NewExecutionError wraps a handler failure.
func NewExecutionError(code, handler string, cause error) *ExecutionError {
	message := "handler failed"
	if handler != "" {
		message = fmt.Sprintf("handler for %s failed", handler)
	}
	return &ExecutionError{
		BaseError: &BaseError{
			code:    code,
			message: message,
			cause:   cause,
		},
		Handler: handler,
	}
}

// RegistryConflictError is returned synchronously when a subscription query
// id is registered twice in the same routing context.
type RegistryConflictError struct {
	*BaseError
	Context        string
	SubscriptionID string
}

// NewRegistryConflictError creates a registry conflict error.
func NewRegistryConflictError(context, subscriptionID string) *RegistryConflictError {
	return &RegistryConflictError{
		BaseError: &BaseError{
			code:    CodeAlreadyExists,
			message: fmt.Sprintf("subscription query with id %s already registered in context %s", subscriptionID, context),
			cause:   ErrDuplicateSubscription,
		},
		Context:        context,
		SubscriptionID: subscriptionID,
	}
}

// Error implements the error interface without repeating the sentinel.
func (e *RegistryConflictError) Error() string {
	return e.message
}

// RemoteError is an error reconstructed from an ErrorMessage received from the hub.
type RemoteError struct {
	*BaseError
	Location string
	Details  []string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s (%s at %s)", e.message, e.code, e.Location)
	}
	return fmt.Sprintf("%s (%s)", e.message, e.code)
}

// Wrap wraps an error with additional context.
// If the error is already one of our custom types, it preserves the code
// and adds the cause chain. Otherwise, the code is CodeInternal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	code := CodeInternal
	var e Error
	if errors.As(err, &e) {
		code = e.Code()
	}

	return &BaseError{
		code:    code,
		message: message,
		cause:   err,
	}
}

// WithCode wraps an error with an explicit code.
func WithCode(code string, err error, message string) error {
	if err == nil {
		return nil
	}
	return &BaseError{
		code:    code,
		message: message,
		cause:   err,
	}
}
