package errors

import (
	"errors"

	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// Describe serializes err for the wire. Location names the client that
// produced it; Details lists the messages of the unwrap chain below the top.
func Describe(clientID, code string, err error) *wire.ErrorMessage {
	if err == nil {
		return nil
	}
	if code == "" {
		code = GetErrorCode(err)
	}

	msg := &wire.ErrorMessage{
		Message:   err.Error(),
		Location:  clientID,
		ErrorCode: code,
	}

	var remote *RemoteError
	if errors.As(err, &remote) {
		msg.Details = append(msg.Details, remote.Details...)
	}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		msg.Details = append(msg.Details, cause.Error())
	}
	return msg
}

// FromErrorMessage rebuilds an error received from the hub. code takes
// precedence over the code inside msg when both are present.
func FromErrorMessage(code string, msg *wire.ErrorMessage) error {
	if code == "" && msg != nil {
		code = msg.ErrorCode
	}
	if code == "" {
		code = CodeUnknown
	}

	remote := &RemoteError{
		BaseError: &BaseError{
			code:    code,
			message: "remote error",
		},
	}
	if msg != nil {
		if msg.Message != "" {
			remote.message = msg.Message
		}
		remote.Location = msg.Location
		remote.Details = msg.Details
	}

	switch code {
	case CodeNoHandlerForCommand, CodeNoHandlerForQuery:
		remote.cause = ErrNoHandler
	case CodeDeadlineExceeded:
		remote.cause = ErrDeadlineExceeded
	case CodeConnectionFailed:
		remote.cause = ErrConnectionLost
	}
	return remote
}
