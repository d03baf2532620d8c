package serializer

import (
	"time"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// CommandSerializer converts commands and their results.
type CommandSerializer struct {
	payload       *Serializer
	clientID      string
	componentName string
}

// NewCommandSerializer creates a command serializer stamping clientID and componentName.
func NewCommandSerializer(payload *Serializer, clientID, componentName string) *CommandSerializer {
	return &CommandSerializer{payload: payload, clientID: clientID, componentName: componentName}
}

// SerializeRequest converts cmd, attaching routing key and priority instructions.
func (s *CommandSerializer) SerializeRequest(cmd *message.CommandMessage, routingKey string, priority int64) (*wire.Command, error) {
	payload, err := s.payload.Serialize(cmd.Payload)
	if err != nil {
		return nil, err
	}
	md, err := s.payload.MetaDataToWire(cmd.MetaData)
	if err != nil {
		return nil, err
	}
	return &wire.Command{
		MessageIdentifier: cmd.Identifier,
		Name:              cmd.CommandName,
		Timestamp:         cmd.Timestamp.UnixMilli(),
		Payload:           payload,
		MetaData:          md,
		ProcessingInstructions: []wire.ProcessingInstruction{
			RoutingKeyInstruction(routingKey),
			PriorityInstruction(priority),
		},
		ClientID:      s.clientID,
		ComponentName: s.componentName,
	}, nil
}

// DeserializeRequest converts an inbound command.
func (s *CommandSerializer) DeserializeRequest(cmd *wire.Command) (*message.CommandMessage, error) {
	payload, err := s.payload.Deserialize(cmd.Payload)
	if err != nil {
		return nil, err
	}
	md, err := s.payload.MetaDataFromWire(cmd.MetaData)
	if err != nil {
		return nil, err
	}
	return &message.CommandMessage{
		Identifier:  cmd.MessageIdentifier,
		CommandName: cmd.Name,
		Payload:     payload,
		MetaData:    md,
		Timestamp:   time.UnixMilli(cmd.Timestamp),
	}, nil
}

// SerializeResponse converts a result into the response for requestID.
// Exceptional results, and results whose payload cannot be encoded, become
// error responses.
func (s *CommandSerializer) SerializeResponse(result *message.CommandResultMessage, requestID string) *wire.CommandResponse {
	resp := &wire.CommandResponse{
		MessageIdentifier: result.Identifier,
		RequestIdentifier: requestID,
	}
	if resp.MessageIdentifier == "" {
		resp.MessageIdentifier = message.NewIdentifier()
	}

	if result.IsExceptional() {
		code := CommandErrorCode(result.Err)
		resp.ErrorCode = code
		resp.ErrorMessage = dispatcherrors.Describe(s.clientID, code, result.Err)
		return resp
	}

	payload, err := s.payload.Serialize(result.Payload)
	if err == nil {
		resp.MetaData, err = s.payload.MetaDataToWire(result.MetaData)
	}
	if err != nil {
		resp.ErrorCode = dispatcherrors.CodeCommandExecution
		resp.ErrorMessage = dispatcherrors.Describe(s.clientID, dispatcherrors.CodeCommandExecution, err)
		resp.MetaData = nil
		return resp
	}
	resp.Payload = payload
	return resp
}

// SerializeError builds an error response with an explicit code.
func (s *CommandSerializer) SerializeError(requestID, code string, err error) *wire.CommandResponse {
	return &wire.CommandResponse{
		MessageIdentifier: message.NewIdentifier(),
		RequestIdentifier: requestID,
		ErrorCode:         code,
		ErrorMessage:      dispatcherrors.Describe(s.clientID, code, err),
	}
}

// DeserializeResponse converts a response. Error responses and undecodable
// payloads become exceptional results.
func (s *CommandSerializer) DeserializeResponse(resp *wire.CommandResponse) *message.CommandResultMessage {
	if resp.ErrorCode != "" || resp.ErrorMessage != nil {
		result := message.FailedCommandResult(dispatcherrors.FromErrorMessage(resp.ErrorCode, resp.ErrorMessage))
		result.Identifier = resp.MessageIdentifier
		return result
	}

	payload, err := s.payload.Deserialize(resp.Payload)
	if err != nil {
		return message.FailedCommandResult(err)
	}
	md, err := s.payload.MetaDataFromWire(resp.MetaData)
	if err != nil {
		return message.FailedCommandResult(err)
	}
	return &message.CommandResultMessage{
		Identifier: resp.MessageIdentifier,
		Payload:    payload,
		MetaData:   md,
	}
}

// CommandErrorCode picks the wire code describing a failed command.
func CommandErrorCode(err error) string {
	switch code := dispatcherrors.GetErrorCode(err); {
	case dispatcherrors.IsNoHandler(err):
		return dispatcherrors.CodeNoHandlerForCommand
	case code == dispatcherrors.CodeCommandDispatch, code == dispatcherrors.CodeCommandExecution,
		code == dispatcherrors.CodeNoHandlerForCommand:
		return code
	default:
		return dispatcherrors.CodeCommandExecution
	}
}
