package serializer

import (
	"fmt"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// SubscriptionSerializer converts subscription queries and their updates.
type SubscriptionSerializer struct {
	query         *QuerySerializer
	payload       *Serializer
	clientID      string
	componentName string
}

// NewSubscriptionSerializer creates a serializer sharing the query serializer's registries.
func NewSubscriptionSerializer(query *QuerySerializer) *SubscriptionSerializer {
	return &SubscriptionSerializer{
		query:         query,
		payload:       query.payload,
		clientID:      query.clientID,
		componentName: query.componentName,
	}
}

// SerializeQuery converts sq, granting the provider permits updates.
func (s *SubscriptionSerializer) SerializeQuery(sq *message.SubscriptionQueryMessage, permits int64) (*wire.SubscriptionQuery, error) {
	req, err := s.query.SerializeRequest(sq.QueryMessage, 1, 0, 0)
	if err != nil {
		return nil, err
	}
	return &wire.SubscriptionQuery{
		SubscriptionIdentifier: sq.Identifier,
		NumberOfPermits:        permits,
		QueryRequest:           req,
		UpdateResponseType:     EncodeResponseType(sq.UpdateResponseType),
	}, nil
}

// DeserializeQuery converts an inbound subscription query.
func (s *SubscriptionSerializer) DeserializeQuery(sq *wire.SubscriptionQuery) (*message.SubscriptionQueryMessage, error) {
	if sq.QueryRequest == nil {
		return nil, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError,
			fmt.Errorf("subscription %s has no query request", sq.SubscriptionIdentifier), "invalid subscription query")
	}
	q, err := s.query.DeserializeRequest(sq.QueryRequest)
	if err != nil {
		return nil, err
	}
	q.Identifier = sq.SubscriptionIdentifier
	update, err := s.query.DecodeResponseType(sq.UpdateResponseType)
	if err != nil {
		return nil, err
	}
	return &message.SubscriptionQueryMessage{QueryMessage: q, UpdateResponseType: update}, nil
}

// SerializeInitialResult wraps the initial result of a subscription.
func (s *SubscriptionSerializer) SerializeInitialResult(resp *message.QueryResponseMessage, subscriptionID string) *wire.SubscriptionQueryResponse {
	return &wire.SubscriptionQueryResponse{
		MessageIdentifier:      message.NewIdentifier(),
		SubscriptionIdentifier: subscriptionID,
		InitialResult:          s.query.SerializeResponse(resp, subscriptionID),
	}
}

// DeserializeInitialResult converts the initial result of a subscription.
func (s *SubscriptionSerializer) DeserializeInitialResult(resp *wire.QueryResponse) *message.QueryResponseMessage {
	return s.query.DeserializeResponse(resp)
}

// SerializeUpdate wraps an update of a subscription.
func (s *SubscriptionSerializer) SerializeUpdate(u *message.SubscriptionQueryUpdateMessage, subscriptionID string) *wire.SubscriptionQueryResponse {
	update := &wire.QueryUpdate{
		MessageIdentifier: u.Identifier,
		ClientID:          s.clientID,
		ComponentName:     s.componentName,
	}
	if update.MessageIdentifier == "" {
		update.MessageIdentifier = message.NewIdentifier()
	}

	var err error
	if u.Err != nil {
		err = u.Err
	} else {
		update.Payload, err = s.payload.Serialize(u.Payload)
		if err == nil {
			update.MetaData, err = s.payload.MetaDataToWire(u.MetaData)
		}
	}
	if err != nil {
		update.Payload = nil
		update.MetaData = nil
		update.ErrorCode = dispatcherrors.CodeQueryExecution
		update.ErrorMessage = dispatcherrors.Describe(s.clientID, dispatcherrors.CodeQueryExecution, err)
	}

	return &wire.SubscriptionQueryResponse{
		MessageIdentifier:      message.NewIdentifier(),
		SubscriptionIdentifier: subscriptionID,
		Update:                 update,
	}
}

// DeserializeUpdate converts an update. Failed updates carry Err.
func (s *SubscriptionSerializer) DeserializeUpdate(u *wire.QueryUpdate) *message.SubscriptionQueryUpdateMessage {
	out := &message.SubscriptionQueryUpdateMessage{Identifier: u.MessageIdentifier, MetaData: message.MetaData{}}
	if u.ErrorCode != "" || u.ErrorMessage != nil {
		out.Err = dispatcherrors.FromErrorMessage(u.ErrorCode, u.ErrorMessage)
		return out
	}
	payload, err := s.payload.Deserialize(u.Payload)
	if err != nil {
		out.Err = err
		return out
	}
	md, err := s.payload.MetaDataFromWire(u.MetaData)
	if err != nil {
		out.Err = err
		return out
	}
	out.Payload = payload
	out.MetaData = md
	return out
}

// SerializeComplete signals the end of updates.
func (s *SubscriptionSerializer) SerializeComplete(subscriptionID string) *wire.SubscriptionQueryResponse {
	return &wire.SubscriptionQueryResponse{
		MessageIdentifier:      message.NewIdentifier(),
		SubscriptionIdentifier: subscriptionID,
		Complete: &wire.QueryUpdateComplete{
			ClientID:      s.clientID,
			ComponentName: s.componentName,
		},
	}
}

// SerializeCompleteExceptionally signals a failed update stream.
func (s *SubscriptionSerializer) SerializeCompleteExceptionally(subscriptionID string, err error) *wire.SubscriptionQueryResponse {
	return &wire.SubscriptionQueryResponse{
		MessageIdentifier:      message.NewIdentifier(),
		SubscriptionIdentifier: subscriptionID,
		CompleteExceptionally: &wire.QueryUpdateCompleteExceptionally{
			ClientID:      s.clientID,
			ComponentName: s.componentName,
			ErrorCode:     dispatcherrors.CodeQueryExecution,
			ErrorMessage:  dispatcherrors.Describe(s.clientID, dispatcherrors.CodeQueryExecution, err),
		},
	}
}

// DeserializeCompleteExceptionally converts the failure of an update stream.
func (s *SubscriptionSerializer) DeserializeCompleteExceptionally(c *wire.QueryUpdateCompleteExceptionally) error {
	return dispatcherrors.FromErrorMessage(c.ErrorCode, c.ErrorMessage)
}
