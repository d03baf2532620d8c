package serializer

import (
	"time"

	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// RoutingKeyInstruction builds a routing key instruction.
func RoutingKeyInstruction(key string) wire.ProcessingInstruction {
	return wire.ProcessingInstruction{Key: wire.KeyRoutingKey, Value: wire.TextValue(key)}
}

// PriorityInstruction builds a priority instruction.
func PriorityInstruction(priority int64) wire.ProcessingInstruction {
	return wire.ProcessingInstruction{Key: wire.KeyPriority, Value: wire.NumberValue(priority)}
}

// TimeoutInstruction builds a timeout instruction in milliseconds.
func TimeoutInstruction(timeout time.Duration) wire.ProcessingInstruction {
	return wire.ProcessingInstruction{Key: wire.KeyTimeout, Value: wire.NumberValue(timeout.Milliseconds())}
}

// NumberOfResultsInstruction builds an instruction bounding the number of results.
// -1 asks for every available result.
func NumberOfResultsInstruction(n int64) wire.ProcessingInstruction {
	return wire.ProcessingInstruction{Key: wire.KeyNrOfResults, Value: wire.NumberValue(n)}
}

func number(pis []wire.ProcessingInstruction, key wire.ProcessingKey) (int64, bool) {
	for _, pi := range pis {
		if pi.Key == key && pi.Value.Number != nil {
			return *pi.Value.Number, true
		}
	}
	return 0, false
}

// Priority returns the priority instruction, 0 when absent.
func Priority(pis []wire.ProcessingInstruction) int64 {
	p, _ := number(pis, wire.KeyPriority)
	return p
}

// NumberOfResults returns the requested number of results, 1 when absent.
func NumberOfResults(pis []wire.ProcessingInstruction) int64 {
	if n, ok := number(pis, wire.KeyNrOfResults); ok {
		return n
	}
	return 1
}

// Timeout returns the timeout instruction, 0 when absent.
func Timeout(pis []wire.ProcessingInstruction) time.Duration {
	ms, _ := number(pis, wire.KeyTimeout)
	return time.Duration(ms) * time.Millisecond
}

// RoutingKey returns the routing key instruction, empty when absent.
func RoutingKey(pis []wire.ProcessingInstruction) string {
	for _, pi := range pis {
		if pi.Key == wire.KeyRoutingKey && pi.Value.Text != nil {
			return *pi.Value.Text
		}
	}
	return ""
}
