package serializer

import (
	"encoding/json"
	"fmt"
	"time"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// ResponseTypeType tags a serialized ResponseType.
const ResponseTypeType = "dispatch.ResponseType"

// QuerySerializer converts queries and their responses.
type QuerySerializer struct {
	payload       *Serializer
	responseTypes *message.ResponseTypes
	clientID      string
	componentName string
}

// NewQuerySerializer creates a query serializer. Inbound queries must name a
// response type known to responseTypes.
func NewQuerySerializer(payload *Serializer, responseTypes *message.ResponseTypes, clientID, componentName string) *QuerySerializer {
	return &QuerySerializer{
		payload:       payload,
		responseTypes: responseTypes,
		clientID:      clientID,
		componentName: componentName,
	}
}

// ResponseTypes returns the response type registry.
func (s *QuerySerializer) ResponseTypes() *message.ResponseTypes {
	return s.responseTypes
}

// EncodeResponseType serializes a response type.
func EncodeResponseType(rt message.ResponseType) *wire.SerializedObject {
	data, _ := json.Marshal(rt)
	return &wire.SerializedObject{Type: ResponseTypeType, Data: data}
}

// DecodeResponseType resolves a serialized response type against the registry.
func (s *QuerySerializer) DecodeResponseType(obj *wire.SerializedObject) (message.ResponseType, error) {
	if obj == nil || obj.Type != ResponseTypeType {
		return message.ResponseType{}, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError,
			fmt.Errorf("missing response type"), "invalid query")
	}
	var rt message.ResponseType
	if err := json.Unmarshal(obj.Data, &rt); err != nil {
		return message.ResponseType{}, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err,
			"failed to decode response type")
	}
	known, ok := s.responseTypes.Resolve(rt.Name)
	if !ok {
		return message.ResponseType{}, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError,
			fmt.Errorf("unknown response type %s", rt.Name), "invalid query")
	}
	return known, nil
}

// SerializeRequest converts q for dispatch. nrOfResults of -1 asks for all results.
func (s *QuerySerializer) SerializeRequest(q *message.QueryMessage, nrOfResults int64, timeout time.Duration, priority int64) (*wire.QueryRequest, error) {
	payload, err := s.payload.Serialize(q.Payload)
	if err != nil {
		return nil, err
	}
	md, err := s.payload.MetaDataToWire(q.MetaData)
	if err != nil {
		return nil, err
	}
	return &wire.QueryRequest{
		MessageIdentifier: q.Identifier,
		Query:             q.QueryName,
		Timestamp:         q.Timestamp.UnixMilli(),
		Payload:           payload,
		MetaData:          md,
		ResponseType:      EncodeResponseType(q.ResponseType),
		ProcessingInstructions: []wire.ProcessingInstruction{
			NumberOfResultsInstruction(nrOfResults),
			TimeoutInstruction(timeout),
			PriorityInstruction(priority),
		},
		ClientID:      s.clientID,
		ComponentName: s.componentName,
	}, nil
}

// DeserializeRequest converts an inbound query.
func (s *QuerySerializer) DeserializeRequest(req *wire.QueryRequest) (*message.QueryMessage, error) {
	rt, err := s.DecodeResponseType(req.ResponseType)
	if err != nil {
		return nil, err
	}
	payload, err := s.payload.Deserialize(req.Payload)
	if err != nil {
		return nil, err
	}
	md, err := s.payload.MetaDataFromWire(req.MetaData)
	if err != nil {
		return nil, err
	}
	return &message.QueryMessage{
		Identifier:   req.MessageIdentifier,
		QueryName:    req.Query,
		Payload:      payload,
		MetaData:     md,
		ResponseType: rt,
		Timestamp:    time.UnixMilli(req.Timestamp),
	}, nil
}

// SerializeResponse converts resp into a response to requestID.
func (s *QuerySerializer) SerializeResponse(resp *message.QueryResponseMessage, requestID string) *wire.QueryResponse {
	out := &wire.QueryResponse{
		MessageIdentifier: resp.Identifier,
		RequestIdentifier: requestID,
	}
	if out.MessageIdentifier == "" {
		out.MessageIdentifier = message.NewIdentifier()
	}

	if resp.IsExceptional() {
		code := QueryErrorCode(resp.Err)
		out.ErrorCode = code
		out.ErrorMessage = dispatcherrors.Describe(s.clientID, code, resp.Err)
		return out
	}

	payload, err := s.payload.Serialize(resp.Payload)
	if err == nil {
		out.MetaData, err = s.payload.MetaDataToWire(resp.MetaData)
	}
	if err != nil {
		out.ErrorCode = dispatcherrors.CodeQueryExecution
		out.ErrorMessage = dispatcherrors.Describe(s.clientID, dispatcherrors.CodeQueryExecution, err)
		out.MetaData = nil
		return out
	}
	out.Payload = payload
	return out
}

// SerializeError builds an error response with an explicit code.
func (s *QuerySerializer) SerializeError(requestID, code string, err error) *wire.QueryResponse {
	return &wire.QueryResponse{
		MessageIdentifier: message.NewIdentifier(),
		RequestIdentifier: requestID,
		ErrorCode:         code,
		ErrorMessage:      dispatcherrors.Describe(s.clientID, code, err),
	}
}

// DeserializeResponse converts a response. Error responses and undecodable
// payloads become exceptional responses.
func (s *QuerySerializer) DeserializeResponse(resp *wire.QueryResponse) *message.QueryResponseMessage {
	if resp.ErrorCode != "" || resp.ErrorMessage != nil {
		out := message.FailedQueryResponse(dispatcherrors.FromErrorMessage(resp.ErrorCode, resp.ErrorMessage))
		out.Identifier = resp.MessageIdentifier
		return out
	}

	payload, err := s.payload.Deserialize(resp.Payload)
	if err != nil {
		return message.FailedQueryResponse(err)
	}
	md, err := s.payload.MetaDataFromWire(resp.MetaData)
	if err != nil {
		return message.FailedQueryResponse(err)
	}
	return &message.QueryResponseMessage{
		Identifier: resp.MessageIdentifier,
		Payload:    payload,
		MetaData:   md,
	}
}

// QueryErrorCode picks the wire code describing a failed query.
func QueryErrorCode(err error) string {
	switch code := dispatcherrors.GetErrorCode(err); {
	case dispatcherrors.IsNoHandler(err):
		return dispatcherrors.CodeNoHandlerForQuery
	case code == dispatcherrors.CodeQueryDispatch, code == dispatcherrors.CodeQueryExecution,
		code == dispatcherrors.CodeNoHandlerForQuery:
		return code
	default:
		return dispatcherrors.CodeQueryExecution
	}
}
