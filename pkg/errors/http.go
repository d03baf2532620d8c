package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	Status  int               `json:"-"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return e.Message
}

// StatusCode returns the HTTP status code for an error.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return codeToHTTPStatus(GetErrorCode(err))
}

func codeToHTTPStatus(code string) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeCancelled:
		return 499 // Client Closed Request
	case CodeInvalidArgument, CodeFailedPrecondition:
		return http.StatusBadRequest
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeNotFound, CodeNoHandlerForCommand, CodeNoHandlerForQuery:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeConnectionFailed:
		return http.StatusServiceUnavailable
	case CodeCommandDispatch, CodeQueryDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts an error to an HTTPError.
func ToHTTPError(err error, traceID string) *HTTPError {
	if err == nil {
		return &HTTPError{
			Status:  http.StatusOK,
			Code:    CodeOK,
			Message: "success",
			TraceID: traceID,
		}
	}

	httpErr := &HTTPError{
		Status:  StatusCode(err),
		Code:    GetErrorCode(err),
		Message: GetErrorMessage(err),
		TraceID: traceID,
		Details: make(map[string]string),
	}

	var (
		conflictErr  *RegistryConflictError
		dispatchErr  *DispatchError
		executionErr *ExecutionError
		remoteErr    *RemoteError
	)

	switch {
	case errors.As(err, &conflictErr):
		httpErr.Details["context"] = conflictErr.Context
		httpErr.Details["subscription_id"] = conflictErr.SubscriptionID
	case errors.As(err, &dispatchErr):
		if dispatchErr.MessageID != "" {
			httpErr.Details["message_id"] = dispatchErr.MessageID
		}
	case errors.As(err, &executionErr):
		if executionErr.Handler != "" {
			httpErr.Details["handler"] = executionErr.Handler
		}
	case errors.As(err, &remoteErr):
		if remoteErr.Location != "" {
			httpErr.Details["location"] = remoteErr.Location
		}
	}

	return httpErr
}

// WriteHTTPError writes an error response to an http.ResponseWriter.
func WriteHTTPError(w http.ResponseWriter, err error, traceID string) {
	httpErr := ToHTTPError(err, traceID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpErr.Status)
	json.NewEncoder(w).Encode(httpErr)
}
