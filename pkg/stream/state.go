package stream

// State is the subscription state of a router's provider stream in one
// routing context.
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
	StateResubscribing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateResubscribing:
		return "resubscribing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
