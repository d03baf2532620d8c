// Package wire defines the envelopes exchanged between a router client and the hub.
//
// Every stream carries tagged unions: exactly one field of an outbound or inbound
// envelope is set, and RequestCase reports which one. Envelopes are JSON encoded
// inside transport frames; payloads themselves are opaque SerializedObjects.
package wire

// SerializedObject is an opaque, typed payload.
type SerializedObject struct {
	Type     string `json:"type,omitempty"`
	Revision string `json:"revision,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Empty reports whether the object carries no type information and no data.
func (o *SerializedObject) Empty() bool {
	return o == nil || (o.Type == "" && len(o.Data) == 0)
}

// MetaDataValue is a single metadata entry. Exactly one field is set.
type MetaDataValue struct {
	Text    *string           `json:"text,omitempty"`
	Number  *int64            `json:"number,omitempty"`
	Boolean *bool             `json:"boolean,omitempty"`
	Double  *float64          `json:"double,omitempty"`
	Bytes   *SerializedObject `json:"bytes,omitempty"`
}

// Processing instruction keys understood by the hub and the routers.
type ProcessingKey string

const (
	KeyRoutingKey    ProcessingKey = "ROUTING_KEY"
	KeyPriority      ProcessingKey = "PRIORITY"
	KeyTimeout       ProcessingKey = "TIMEOUT"
	KeyNrOfResults   ProcessingKey = "NR_OF_RESULTS"
	KeyClientSupport ProcessingKey = "CLIENT_SUPPORTS_STREAMING"
)

// ProcessingInstruction carries routing metadata next to a request.
type ProcessingInstruction struct {
	Key   ProcessingKey `json:"key"`
	Value MetaDataValue `json:"value"`
}

// FlowControl grants the receiver additional permits.
type FlowControl struct {
	ClientID string `json:"client_id"`
	Permits  int64  `json:"permits"`
}

// ErrorMessage describes a failure that crossed the wire.
type ErrorMessage struct {
	Message   string   `json:"message"`
	Location  string   `json:"location,omitempty"`
	Details   []string `json:"details,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
}

// InstructionAck confirms (or rejects) an instruction sent on a provider stream.
type InstructionAck struct {
	InstructionID string        `json:"instruction_id"`
	Success       bool          `json:"success"`
	Error         *ErrorMessage `json:"error,omitempty"`
}

// Case names the populated arm of a tagged union.
type Case string

const (
	CaseNone                     Case = ""
	CaseSubscribe                Case = "subscribe"
	CaseUnsubscribe              Case = "unsubscribe"
	CaseFlowControl              Case = "flow_control"
	CaseCommandResponse          Case = "command_response"
	CaseCommand                  Case = "command"
	CaseQueryResponse            Case = "query_response"
	CaseQueryComplete            Case = "query_complete"
	CaseQuery                    Case = "query"
	CaseSubscriptionQueryRequest Case = "subscription_query_request"
	CaseSubscriptionQueryResp    Case = "subscription_query_response"
	CaseConfirmation             Case = "confirmation"
	CaseAck                      Case = "ack"
	CaseGetInitialResult         Case = "get_initial_result"
	CaseInitialResult            Case = "initial_result"
	CaseUpdate                   Case = "update"
	CaseComplete                 Case = "complete"
	CaseCompleteExceptionally    Case = "complete_exceptionally"
)

// TextValue is a helper building a text metadata value.
func TextValue(s string) MetaDataValue {
	return MetaDataValue{Text: &s}
}

// NumberValue is a helper building a numeric metadata value.
func NumberValue(n int64) MetaDataValue {
	return MetaDataValue{Number: &n}
}
