package wire

// Command is a command dispatched to exactly one handler.
type Command struct {
	MessageIdentifier      string                   `json:"message_identifier"`
	Name                   string                   `json:"name"`
	Timestamp              int64                    `json:"timestamp"`
	Payload                *SerializedObject        `json:"payload,omitempty"`
	MetaData               map[string]MetaDataValue `json:"meta_data,omitempty"`
	ProcessingInstructions []ProcessingInstruction  `json:"processing_instructions,omitempty"`
	ClientID               string                   `json:"client_id"`
	ComponentName          string                   `json:"component_name"`
}

// CommandResponse answers a Command. RequestIdentifier correlates it to Command.MessageIdentifier.
type CommandResponse struct {
	MessageIdentifier      string                   `json:"message_identifier"`
	RequestIdentifier      string                   `json:"request_identifier"`
	ErrorCode              string                   `json:"error_code,omitempty"`
	ErrorMessage           *ErrorMessage            `json:"error_message,omitempty"`
	Payload                *SerializedObject        `json:"payload,omitempty"`
	MetaData               map[string]MetaDataValue `json:"meta_data,omitempty"`
	ProcessingInstructions []ProcessingInstruction  `json:"processing_instructions,omitempty"`
}

// CommandSubscription announces (or withdraws) a command handler.
type CommandSubscription struct {
	MessageID     string `json:"message_id"`
	Command       string `json:"command"`
	ComponentName string `json:"component_name"`
	ClientID      string `json:"client_id"`
	LoadFactor    int32  `json:"load_factor,omitempty"`
}

// CommandProviderOutbound flows from a command handling client to the hub.
type CommandProviderOutbound struct {
	InstructionID   string               `json:"instruction_id,omitempty"`
	Subscribe       *CommandSubscription `json:"subscribe,omitempty"`
	Unsubscribe     *CommandSubscription `json:"unsubscribe,omitempty"`
	FlowControl     *FlowControl         `json:"flow_control,omitempty"`
	CommandResponse *CommandResponse     `json:"command_response,omitempty"`
	Ack             *InstructionAck      `json:"ack,omitempty"`
}

// RequestCase reports the populated arm.
func (o *CommandProviderOutbound) RequestCase() Case {
	switch {
	case o == nil:
		return CaseNone
	case o.Subscribe != nil:
		return CaseSubscribe
	case o.Unsubscribe != nil:
		return CaseUnsubscribe
	case o.FlowControl != nil:
		return CaseFlowControl
	case o.CommandResponse != nil:
		return CaseCommandResponse
	case o.Ack != nil:
		return CaseAck
	default:
		return CaseNone
	}
}

// CommandProviderInbound flows from the hub to a command handling client.
type CommandProviderInbound struct {
	InstructionID string          `json:"instruction_id,omitempty"`
	Confirmation  *InstructionAck `json:"confirmation,omitempty"`
	Command       *Command        `json:"command,omitempty"`
}

// RequestCase reports the populated arm.
func (i *CommandProviderInbound) RequestCase() Case {
	switch {
	case i == nil:
		return CaseNone
	case i.Command != nil:
		return CaseCommand
	case i.Confirmation != nil:
		return CaseConfirmation
	default:
		return CaseNone
	}
}
