package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRequestCases(t *testing.T) {
	tests := []struct {
		name string
		got  Case
		want Case
	}{
		{"command outbound subscribe", (&CommandProviderOutbound{Subscribe: &CommandSubscription{}}).RequestCase(), CaseSubscribe},
		{"command outbound flow control", (&CommandProviderOutbound{FlowControl: &FlowControl{}}).RequestCase(), CaseFlowControl},
		{"command outbound empty", (&CommandProviderOutbound{}).RequestCase(), CaseNone},
		{"command inbound command", (&CommandProviderInbound{Command: &Command{}}).RequestCase(), CaseCommand},
		{"command inbound nil", (*CommandProviderInbound)(nil).RequestCase(), CaseNone},
		{"query outbound complete", (&QueryProviderOutbound{QueryComplete: &QueryComplete{}}).RequestCase(), CaseQueryComplete},
		{"query inbound subscription", (&QueryProviderInbound{SubscriptionQueryRequest: &SubscriptionQueryRequest{}}).RequestCase(), CaseSubscriptionQueryRequest},
		{"subscription request initial", (&SubscriptionQueryRequest{GetInitialResult: &SubscriptionQuery{}}).RequestCase(), CaseGetInitialResult},
		{"subscription response update", (&SubscriptionQueryResponse{Update: &QueryUpdate{}}).RequestCase(), CaseUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("RequestCase() = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSubscriptionID(t *testing.T) {
	r := &SubscriptionQueryRequest{FlowControl: &SubscriptionQuery{SubscriptionIdentifier: "sub-1"}}
	if r.SubscriptionID() != "sub-1" {
		t.Fatalf("SubscriptionID() = %q", r.SubscriptionID())
	}
	if (&SubscriptionQueryRequest{}).SubscriptionID() != "" {
		t.Fatal("empty request should have no id")
	}
}

func TestFrameEncoding(t *testing.T) {
	cmd := &Command{MessageIdentifier: "m-1", Name: "Ping"}
	f, err := NewFrame("call-1", FrameOpen, ChannelDispatchCommand, cmd)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	deadline := time.UnixMilli(time.Now().Add(time.Second).UnixMilli())
	f.WithDeadline(deadline)

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back Frame
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Call != "call-1" || back.Kind != FrameOpen || back.Channel != ChannelDispatchCommand {
		t.Fatalf("frame header = %+v", back)
	}
	if !back.DeadlineTime().Equal(deadline) {
		t.Fatalf("deadline = %v, want %v", back.DeadlineTime(), deadline)
	}

	var decoded Command
	if err := back.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Name != "Ping" || decoded.MessageIdentifier != "m-1" {
		t.Fatalf("decoded = %+v", decoded)
	}

	empty := &Frame{Call: "c", Kind: FrameComplete}
	if err := empty.Decode(&decoded); err == nil {
		t.Fatal("decoding an empty payload should fail")
	}
	if !empty.Terminal() || f.Terminal() {
		t.Fatal("Terminal() mismatch")
	}
	if !empty.DeadlineTime().IsZero() {
		t.Fatal("missing deadline should be zero")
	}
}
