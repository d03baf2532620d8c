package wire

// SubscriptionQuery identifies a live query whose result is followed by updates.
type SubscriptionQuery struct {
	SubscriptionIdentifier string            `json:"subscription_identifier"`
	NumberOfPermits        int64             `json:"number_of_permits,omitempty"`
	QueryRequest           *QueryRequest     `json:"query_request,omitempty"`
	UpdateResponseType     *SerializedObject `json:"update_response_type,omitempty"`
}

// SubscriptionQueryRequest is sent by the subscriber to the hub, and relayed
// by the hub to the providers of the query.
type SubscriptionQueryRequest struct {
	Subscribe        *SubscriptionQuery `json:"subscribe,omitempty"`
	Unsubscribe      *SubscriptionQuery `json:"unsubscribe,omitempty"`
	GetInitialResult *SubscriptionQuery `json:"get_initial_result,omitempty"`
	FlowControl      *SubscriptionQuery `json:"flow_control,omitempty"`
}

// RequestCase reports the populated arm.
func (r *SubscriptionQueryRequest) RequestCase() Case {
	switch {
	case r == nil:
		return CaseNone
	case r.Subscribe != nil:
		return CaseSubscribe
	case r.Unsubscribe != nil:
		return CaseUnsubscribe
	case r.GetInitialResult != nil:
		return CaseGetInitialResult
	case r.FlowControl != nil:
		return CaseFlowControl
	default:
		return CaseNone
	}
}

// SubscriptionID returns the identifier of whichever arm is set.
func (r *SubscriptionQueryRequest) SubscriptionID() string {
	var q *SubscriptionQuery
	switch r.RequestCase() {
	case CaseSubscribe:
		q = r.Subscribe
	case CaseUnsubscribe:
		q = r.Unsubscribe
	case CaseGetInitialResult:
		q = r.GetInitialResult
	case CaseFlowControl:
		q = r.FlowControl
	}
	if q == nil {
		return ""
	}
	return q.SubscriptionIdentifier
}

// QueryUpdate is an incremental result for a subscription query.
type QueryUpdate struct {
	MessageIdentifier string                   `json:"message_identifier"`
	Payload           *SerializedObject        `json:"payload,omitempty"`
	MetaData          map[string]MetaDataValue `json:"meta_data,omitempty"`
	ClientID          string                   `json:"client_id"`
	ComponentName     string                   `json:"component_name"`
	ErrorCode         string                   `json:"error_code,omitempty"`
	ErrorMessage      *ErrorMessage            `json:"error_message,omitempty"`
}

// QueryUpdateComplete signals that no more updates follow.
type QueryUpdateComplete struct {
	ClientID      string `json:"client_id"`
	ComponentName string `json:"component_name"`
}

// QueryUpdateCompleteExceptionally signals that the update stream failed.
type QueryUpdateCompleteExceptionally struct {
	ClientID      string        `json:"client_id"`
	ComponentName string        `json:"component_name"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  *ErrorMessage `json:"error_message,omitempty"`
}

// SubscriptionQueryResponse flows from providers to the hub and from the hub to subscribers.
type SubscriptionQueryResponse struct {
	MessageIdentifier      string                            `json:"message_identifier"`
	SubscriptionIdentifier string                            `json:"subscription_identifier"`
	InitialResult          *QueryResponse                    `json:"initial_result,omitempty"`
	Update                 *QueryUpdate                      `json:"update,omitempty"`
	Complete               *QueryUpdateComplete              `json:"complete,omitempty"`
	CompleteExceptionally  *QueryUpdateCompleteExceptionally `json:"complete_exceptionally,omitempty"`
}

// RequestCase reports the populated arm.
func (r *SubscriptionQueryResponse) RequestCase() Case {
	switch {
	case r == nil:
		return CaseNone
	case r.InitialResult != nil:
		return CaseInitialResult
	case r.Update != nil:
		return CaseUpdate
	case r.Complete != nil:
		return CaseComplete
	case r.CompleteExceptionally != nil:
		return CaseCompleteExceptionally
	default:
		return CaseNone
	}
}
