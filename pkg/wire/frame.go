package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind is the control verb of a transport frame.
type FrameKind string

const (
	// FrameOpen starts a call. For request/response channels the payload is the request.
	FrameOpen FrameKind = "open"
	// FrameNext carries one envelope of an open call.
	FrameNext FrameKind = "next"
	// FrameError terminates a call with an error.
	FrameError FrameKind = "error"
	// FrameComplete terminates (or half-closes) a call normally.
	FrameComplete FrameKind = "complete"
	// FrameCancel aborts a call started by the sender.
	FrameCancel FrameKind = "cancel"
	// FrameReconnect asks the client to drop and re-establish its connection.
	FrameReconnect FrameKind = "reconnect"
)

// Channel names the logical stream a call belongs to.
type Channel string

const (
	ChannelCommandProvider Channel = "command_provider"
	ChannelQueryProvider   Channel = "query_provider"
	ChannelDispatchCommand Channel = "dispatch_command"
	ChannelQuery           Channel = "query"
	ChannelSubscription    Channel = "subscription"
)

// Frame is the unit exchanged over a hub connection. Many calls are
// multiplexed over one connection; Call correlates the frames of one call.
type Frame struct {
	Call     string          `json:"call,omitempty"`
	Kind     FrameKind       `json:"kind"`
	Channel  Channel         `json:"channel,omitempty"`
	Deadline int64           `json:"deadline,omitempty"` // unix millis, 0 means none
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    *ErrorMessage   `json:"error,omitempty"`
}

// NewFrame builds a frame whose payload is v encoded as JSON. A nil v leaves
// the payload empty.
func NewFrame(call string, kind FrameKind, channel Channel, v any) (*Frame, error) {
	f := &Frame{Call: call, Kind: kind, Channel: channel}
	if v == nil {
		return f, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame for call %s: %w", kind, call, err)
	}
	f.Payload = data
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame for call %s has no payload", f.Kind, f.Call)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s frame for call %s: %w", f.Kind, f.Call, err)
	}
	return nil
}

// WithDeadline sets the deadline of the frame. A zero time clears it.
func (f *Frame) WithDeadline(t time.Time) *Frame {
	if t.IsZero() {
		f.Deadline = 0
	} else {
		f.Deadline = t.UnixMilli()
	}
	return f
}

// DeadlineTime returns the frame deadline, or the zero time.
func (f *Frame) DeadlineTime() time.Time {
	if f.Deadline == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Deadline)
}

// Terminal reports whether the frame ends its call.
func (f *Frame) Terminal() bool {
	return f.Kind == FrameError || f.Kind == FrameComplete || f.Kind == FrameCancel
}
