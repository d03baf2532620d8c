// Package message defines the typed messages routed by the command and query
// routers, their results, and the handler signatures that process them.
package message

import (
	"context"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MetaData is free form data attached to a message.
type MetaData map[string]any

// With returns a copy of m with key set to value.
func (m MetaData) With(key string, value any) MetaData {
	out := make(MetaData, len(m)+1)
	maps.Copy(out, m)
	out[key] = value
	return out
}

// Merge returns a copy of m overlaid with other.
func (m MetaData) Merge(other MetaData) MetaData {
	out := make(MetaData, len(m)+len(other))
	maps.Copy(out, m)
	maps.Copy(out, other)
	return out
}

// Text returns the value under key as a string, if it is one.
func (m MetaData) Text(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int64 returns the value under key as an int64. Numeric strings are accepted.
func (m MetaData) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// NewIdentifier generates a message identifier.
func NewIdentifier() string {
	return uuid.NewString()
}

// CommandMessage asks exactly one handler to perform an action.
type CommandMessage struct {
	Identifier  string
	CommandName string
	Payload     any
	MetaData    MetaData
	Timestamp   time.Time
}

// NewCommand creates a command named name carrying payload.
func NewCommand(name string, payload any) *CommandMessage {
	return &CommandMessage{
		Identifier:  NewIdentifier(),
		CommandName: name,
		Payload:     payload,
		MetaData:    MetaData{},
		Timestamp:   time.Now(),
	}
}

// WithMetaData returns a copy of the command with extra metadata.
func (c *CommandMessage) WithMetaData(md MetaData) *CommandMessage {
	out := *c
	out.MetaData = c.MetaData.Merge(md)
	return &out
}

// CommandResultMessage is the outcome of a command. A non-nil Err makes it exceptional.
type CommandResultMessage struct {
	Identifier string
	Payload    any
	MetaData   MetaData
	Err        error
}

// NewCommandResult creates a successful result.
func NewCommandResult(payload any) *CommandResultMessage {
	return &CommandResultMessage{Identifier: NewIdentifier(), Payload: payload, MetaData: MetaData{}}
}

// FailedCommandResult creates an exceptional result.
func FailedCommandResult(err error) *CommandResultMessage {
	return &CommandResultMessage{Identifier: NewIdentifier(), MetaData: MetaData{}, Err: err}
}

// IsExceptional reports whether the command failed.
func (r *CommandResultMessage) IsExceptional() bool {
	return r.Err != nil
}

// CommandCallback receives the single outcome of a dispatched command.
type CommandCallback func(cmd *CommandMessage, result *CommandResultMessage)

// NoOpCallback ignores the outcome.
func NoOpCallback(*CommandMessage, *CommandResultMessage) {}

// CommandHandler handles a command. The returned value becomes the result payload.
type CommandHandler func(ctx context.Context, cmd *CommandMessage) (any, error)

// QueryMessage asks for information. ResponseType names the expected answer.
type QueryMessage struct {
	Identifier   string
	QueryName    string
	Payload      any
	MetaData     MetaData
	ResponseType ResponseType
	Timestamp    time.Time
}

// NewQuery creates a query named name expecting responseType.
func NewQuery(name string, payload any, responseType ResponseType) *QueryMessage {
	return &QueryMessage{
		Identifier:   NewIdentifier(),
		QueryName:    name,
		Payload:      payload,
		MetaData:     MetaData{},
		ResponseType: responseType,
		Timestamp:    time.Now(),
	}
}

// WithMetaData returns a copy of the query with extra metadata.
func (q *QueryMessage) WithMetaData(md MetaData) *QueryMessage {
	out := *q
	out.MetaData = q.MetaData.Merge(md)
	return &out
}

// QueryResponseMessage is one answer to a query. A non-nil Err makes it exceptional.
type QueryResponseMessage struct {
	Identifier string
	Payload    any
	MetaData   MetaData
	Err        error
}

// NewQueryResponse creates a successful response.
func NewQueryResponse(payload any) *QueryResponseMessage {
	return &QueryResponseMessage{Identifier: NewIdentifier(), Payload: payload, MetaData: MetaData{}}
}

// FailedQueryResponse creates an exceptional response.
func FailedQueryResponse(err error) *QueryResponseMessage {
	return &QueryResponseMessage{Identifier: NewIdentifier(), MetaData: MetaData{}, Err: err}
}

// IsExceptional reports whether the query failed.
func (r *QueryResponseMessage) IsExceptional() bool {
	return r.Err != nil
}

// QueryHandler answers a query.
type QueryHandler func(ctx context.Context, q *QueryMessage) (any, error)

// SubscriptionQueryMessage is a query whose initial result is followed by updates.
// The query Identifier doubles as the subscription identifier.
type SubscriptionQueryMessage struct {
	*QueryMessage
	UpdateResponseType ResponseType
}

// NewSubscriptionQuery creates a subscription query.
func NewSubscriptionQuery(name string, payload any, initial, update ResponseType) *SubscriptionQueryMessage {
	return &SubscriptionQueryMessage{
		QueryMessage:       NewQuery(name, payload, initial),
		UpdateResponseType: update,
	}
}

// SubscriptionQueryUpdateMessage is one incremental update.
type SubscriptionQueryUpdateMessage struct {
	Identifier string
	Payload    any
	MetaData   MetaData
	Err        error
}

// NewUpdate creates an update carrying payload.
func NewUpdate(payload any) *SubscriptionQueryUpdateMessage {
	return &SubscriptionQueryUpdateMessage{Identifier: NewIdentifier(), Payload: payload, MetaData: MetaData{}}
}

// Registration undoes a subscription.
type Registration interface {
	// Cancel removes the registration. It returns false if it was already removed.
	Cancel() bool
}

// RegistrationFunc adapts a function to Registration.
type RegistrationFunc func() bool

// Cancel implements Registration.
func (f RegistrationFunc) Cancel() bool {
	return f()
}
