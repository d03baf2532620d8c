package wire

// QueryRequest is a query dispatched to one or more handlers.
type QueryRequest struct {
	MessageIdentifier      string                   `json:"message_identifier"`
	Query                  string                   `json:"query"`
	Timestamp              int64                    `json:"timestamp"`
	Payload                *SerializedObject        `json:"payload,omitempty"`
	MetaData               map[string]MetaDataValue `json:"meta_data,omitempty"`
	ResponseType           *SerializedObject        `json:"response_type,omitempty"`
	ProcessingInstructions []ProcessingInstruction  `json:"processing_instructions,omitempty"`
	ClientID               string                   `json:"client_id"`
	ComponentName          string                   `json:"component_name"`
}

// QueryResponse is one result for a QueryRequest.
type QueryResponse struct {
	MessageIdentifier      string                   `json:"message_identifier"`
	RequestIdentifier      string                   `json:"request_identifier"`
	ErrorCode              string                   `json:"error_code,omitempty"`
	ErrorMessage           *ErrorMessage            `json:"error_message,omitempty"`
	Payload                *SerializedObject        `json:"payload,omitempty"`
	MetaData               map[string]MetaDataValue `json:"meta_data,omitempty"`
	ProcessingInstructions []ProcessingInstruction  `json:"processing_instructions,omitempty"`
}

// QueryComplete terminates the responses to one QueryRequest.
type QueryComplete struct {
	MessageID string `json:"message_id"`
	RequestID string `json:"request_id"`
}

// QuerySubscription announces (or withdraws) handlers for a query/response type pair.
type QuerySubscription struct {
	MessageID     string `json:"message_id"`
	Query         string `json:"query"`
	ResultName    string `json:"result_name"`
	ComponentName string `json:"component_name"`
	ClientID      string `json:"client_id"`
	NrOfHandlers  int32  `json:"nr_of_handlers"`
}

// QueryProviderOutbound flows from a query handling client to the hub.
type QueryProviderOutbound struct {
	InstructionID             string                     `json:"instruction_id,omitempty"`
	Subscribe                 *QuerySubscription         `json:"subscribe,omitempty"`
	Unsubscribe               *QuerySubscription         `json:"unsubscribe,omitempty"`
	FlowControl               *FlowControl               `json:"flow_control,omitempty"`
	QueryResponse             *QueryResponse             `json:"query_response,omitempty"`
	QueryComplete             *QueryComplete             `json:"query_complete,omitempty"`
	SubscriptionQueryResponse *SubscriptionQueryResponse `json:"subscription_query_response,omitempty"`
	Ack                       *InstructionAck            `json:"ack,omitempty"`
}

// RequestCase reports the populated arm.
func (o *QueryProviderOutbound) RequestCase() Case {
	switch {
	case o == nil:
		return CaseNone
	case o.Subscribe != nil:
		return CaseSubscribe
	case o.Unsubscribe != nil:
		return CaseUnsubscribe
	case o.FlowControl != nil:
		return CaseFlowControl
	case o.QueryResponse != nil:
		return CaseQueryResponse
	case o.QueryComplete != nil:
		return CaseQueryComplete
	case o.SubscriptionQueryResponse != nil:
		return CaseSubscriptionQueryResp
	case o.Ack != nil:
		return CaseAck
	default:
		return CaseNone
	}
}

// QueryProviderInbound flows from the hub to a query handling client.
type QueryProviderInbound struct {
	InstructionID            string                    `json:"instruction_id,omitempty"`
	Confirmation             *InstructionAck           `json:"confirmation,omitempty"`
	Query                    *QueryRequest             `json:"query,omitempty"`
	SubscriptionQueryRequest *SubscriptionQueryRequest `json:"subscription_query_request,omitempty"`
}

// RequestCase reports the populated arm.
func (i *QueryProviderInbound) RequestCase() Case {
	switch {
	case i == nil:
		return CaseNone
	case i.Query != nil:
		return CaseQuery
	case i.SubscriptionQueryRequest != nil:
		return CaseSubscriptionQueryRequest
	case i.Confirmation != nil:
		return CaseConfirmation
	default:
		return CaseNone
	}
}
