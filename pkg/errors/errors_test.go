package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDispatchError(t *testing.T) {
	err := NewNoResultError(CodeCommandDispatch, "msg-1", "No result from command executor")

	if !IsDispatch(err) {
		t.Fatal("expected IsDispatch")
	}
	if !IsNoResult(err) {
		t.Fatal("expected IsNoResult")
	}
	if IsExecution(err) {
		t.Fatal("dispatch error must not be an execution error")
	}
	if err.Code() != CodeCommandDispatch {
		t.Fatalf("code = %q", err.Code())
	}
	if err.MessageID != "msg-1" {
		t.Fatalf("message id = %q", err.MessageID)
	}
	if !strings.Contains(err.Error(), "No result from command executor") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestExecutionError(t *testing.T) {
	cause := fmt.Errorf("insufficient funds")
	err := NewExecutionError(CodeCommandExecution, "Withdraw", cause)

	if !IsExecution(err) {
		t.Fatal("expected IsExecution")
	}
	if !errors.Is(err, cause) {
		t.Fatal("execution error must unwrap to its cause")
	}
	if ShouldRetry(err) {
		t.Fatal("execution errors are never retried")
	}
	if got := err.Error(); got != "handler for Withdraw failed: insufficient funds" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestRegistryConflictError(t *testing.T) {
	err := NewRegistryConflictError("accounts", "sub-1")

	if !IsRegistryConflict(err) {
		t.Fatal("expected IsRegistryConflict")
	}
	if !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatal("expected errors.Is ErrDuplicateSubscription")
	}
	if !strings.Contains(err.Error(), "sub-1") || !strings.Contains(err.Error(), "accounts") {
		t.Fatalf("message should name id and context: %q", err.Error())
	}
	wrapped := fmt.Errorf("subscribe: %w", err)
	if !IsRegistryConflict(wrapped) {
		t.Fatal("wrapped conflict should still match")
	}
}

func TestDescribeAndFromErrorMessage(t *testing.T) {
	root := errors.New("balance too low")
	err := NewExecutionError(CodeQueryExecution, "GetBalance", root)

	msg := Describe("client-1", "", err)
	if msg.ErrorCode != CodeQueryExecution {
		t.Fatalf("error code = %q", msg.ErrorCode)
	}
	if msg.Location != "client-1" {
		t.Fatalf("location = %q", msg.Location)
	}
	if len(msg.Details) == 0 || msg.Details[len(msg.Details)-1] != "balance too low" {
		t.Fatalf("details should end with the root cause, got %v", msg.Details)
	}

	back := FromErrorMessage("", msg)
	if GetErrorCode(back) != CodeQueryExecution {
		t.Fatalf("round trip code = %q", GetErrorCode(back))
	}
	if !IsExecution(back) {
		t.Fatal("remote execution error should satisfy IsExecution")
	}
	var remote *RemoteError
	if !errors.As(back, &remote) || remote.Location != "client-1" {
		t.Fatalf("expected RemoteError with location, got %#v", back)
	}
}

func TestDescribeNil(t *testing.T) {
	if Describe("c", CodeInternal, nil) != nil {
		t.Fatal("nil error should describe to nil")
	}
}

func TestFromErrorMessageSentinels(t *testing.T) {
	tests := []struct {
		code  string
		check func(error) bool
	}{
		{CodeNoHandlerForCommand, IsNoHandler},
		{CodeNoHandlerForQuery, IsNoHandler},
		{CodeDeadlineExceeded, IsDeadlineExceeded},
		{CodeConnectionFailed, IsConnectionLost},
		{CodeCommandDispatch, IsDispatch},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := FromErrorMessage(tt.code, nil)
			if !tt.check(err) {
				t.Fatalf("predicate failed for %s: %v", tt.code, err)
			}
		})
	}
}

func TestGetErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, CodeOK},
		{"plain", errors.New("boom"), CodeInternal},
		{"context deadline", context.DeadlineExceeded, CodeDeadlineExceeded},
		{"context canceled", context.Canceled, CodeCancelled},
		{"connection lost", fmt.Errorf("send: %w", ErrConnectionLost), CodeConnectionFailed},
		{"queue full", ErrQueueFull, CodeResourceExhausted},
		{"wrapped typed", Wrap(NewDispatchError(CodeQueryDispatch, "", "x", nil), "outer"), CodeQueryDispatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetErrorCode(tt.err); got != tt.want {
				t.Fatalf("GetErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if !ShouldRetry(ErrConnectionLost) {
		t.Fatal("connection loss should be retried")
	}
	if !ShouldRetry(FromErrorMessage(CodeNoHandlerForQuery, nil)) {
		t.Fatal("missing handler should be retried")
	}
	if ShouldRetry(FromErrorMessage(CodeCommandExecution, nil)) {
		t.Fatal("execution failure should not be retried")
	}
	if ShouldRetry(nil) {
		t.Fatal("nil should not be retried")
	}
}

func TestWriteHTTPError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTPError(rec, NewRegistryConflictError("ctx", "id-1"), "trace-1")

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"subscription_id":"id-1"`) || !strings.Contains(body, `"trace_id":"trace-1"`) {
		t.Fatalf("unexpected body %s", body)
	}
	if StatusCode(FromErrorMessage(CodeNoHandlerForQuery, nil)) != http.StatusNotFound {
		t.Fatal("missing handler should map to 404")
	}
}
