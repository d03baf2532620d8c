package query

import (
	"time"

	"github.com/DeBrosOfficial/dispatch/pkg/message"
)

// DirectQueryTimeout bounds a direct query whose context carries no deadline.
const DirectQueryTimeout = time.Hour

// PriorityFunc picks the priority of a query. Higher runs first on the receiver.
type PriorityFunc func(q *message.QueryMessage) int64

// ContextResolver picks the routing context a query is sent in.
type ContextResolver func(q *message.QueryMessage) string

// DefaultPriority gives every query priority 0.
func DefaultPriority(*message.QueryMessage) int64 {
	return 0
}

// MetaDataPriority reads the priority from an integer metadata entry.
func MetaDataPriority(key string) PriorityFunc {
	return func(q *message.QueryMessage) int64 {
		p, _ := q.MetaData.Int64(key)
		return p
	}
}

// StaticContext sends every query in routingContext.
func StaticContext(routingContext string) ContextResolver {
	return func(*message.QueryMessage) string {
		return routingContext
	}
}
