package errors

// Error codes for categorizing errors. They travel on the wire in
// ErrorCode fields, so their values are stable.
const (
	// CodeOK indicates success (not an error).
	CodeOK = "OK"

	// CodeCancelled indicates the operation was cancelled.
	CodeCancelled = "CANCELLED"

	// CodeUnknown indicates an unknown error occurred.
	CodeUnknown = "UNKNOWN"

	// CodeInvalidArgument indicates client specified an invalid argument.
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// CodeDeadlineExceeded indicates operation deadline was exceeded.
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound = "NOT_FOUND"

	// CodeAlreadyExists indicates attempting to create a resource that already exists.
	CodeAlreadyExists = "ALREADY_EXISTS"

	// CodeResourceExhausted indicates a resource has been exhausted.
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"

	// CodeFailedPrecondition indicates operation was rejected because the system
	// is not in a required state.
	CodeFailedPrecondition = "FAILED_PRECONDITION"

	// CodeInternal indicates internal errors.
	CodeInternal = "INTERNAL"

	// CodeUnavailable indicates the service is currently unavailable.
	CodeUnavailable = "UNAVAILABLE"

	// CodeSerializationError indicates serialization/deserialization failed.
	CodeSerializationError = "SERIALIZATION_ERROR"

	// Routing error codes

	// CodeCommandDispatch indicates a command could not be delivered or its
	// response could not be obtained.
	CodeCommandDispatch = "COMMAND_DISPATCH_ERROR"

	// CodeCommandExecution indicates the handler of a command failed.
	CodeCommandExecution = "COMMAND_EXECUTION_ERROR"

	// CodeQueryDispatch indicates a query could not be delivered or its
	// response could not be obtained.
	CodeQueryDispatch = "QUERY_DISPATCH_ERROR"

	// CodeQueryExecution indicates the handler of a query failed.
	CodeQueryExecution = "QUERY_EXECUTION_ERROR"

	// CodeNoHandlerForCommand indicates no provider is subscribed for a command.
	CodeNoHandlerForCommand = "NO_HANDLER_FOR_COMMAND"

	// CodeNoHandlerForQuery indicates no provider is subscribed for a query.
	CodeNoHandlerForQuery = "NO_HANDLER_FOR_QUERY"

	// CodeConnectionFailed indicates the connection to the hub was lost.
	CodeConnectionFailed = "CONNECTION_FAILED"
)

// IsRetryable returns true if an error with the given code should be retried.
// Execution errors are never retryable: the handler already ran.
func IsRetryable(code string) bool {
	switch code {
	case CodeDeadlineExceeded, CodeUnavailable, CodeResourceExhausted,
		CodeConnectionFailed, CodeCommandDispatch, CodeQueryDispatch,
		CodeNoHandlerForCommand, CodeNoHandlerForQuery:
		return true
	default:
		return false
	}
}
