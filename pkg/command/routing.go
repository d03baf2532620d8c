package command

import (
	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

// RoutingKeyMetaData is the metadata key DefaultRoutingKey reads.
const RoutingKeyMetaData = "routingKey"

// RoutingKeyFunc picks the routing key the hub uses for consistent routing.
type RoutingKeyFunc func(cmd *message.CommandMessage) string

// PriorityFunc picks the priority of a command. Higher runs first on the receiver.
type PriorityFunc func(cmd *message.CommandMessage) int64

// ContextResolver picks the routing context a command is dispatched in.
type ContextResolver func(cmd *message.CommandMessage) string

// DefaultRoutingKey uses the routingKey metadata entry, falling back to the
// command identifier.
func DefaultRoutingKey(cmd *message.CommandMessage) string {
	if key, ok := cmd.MetaData.Text(RoutingKeyMetaData); ok && key != "" {
		return key
	}
	return cmd.Identifier
}

// DefaultPriority gives every command priority 0.
func DefaultPriority(*message.CommandMessage) int64 {
	return 0
}

// MetaDataPriority reads the priority from an integer metadata entry.
func MetaDataPriority(key string) PriorityFunc {
	return func(cmd *message.CommandMessage) int64 {
		p, _ := cmd.MetaData.Int64(key)
		return p
	}
}

// StaticContext dispatches every command in routingContext.
func StaticContext(routingContext string) ContextResolver {
	return func(*message.CommandMessage) string {
		return routingContext
	}
}
