package message

import (
	"fmt"
	"sync"
)

// Cardinality describes how many instances a response holds.
type Cardinality string

const (
	InstanceOf          Cardinality = "instance"
	MultipleInstancesOf Cardinality = "multiple"
	OptionalInstanceOf  Cardinality = "optional"
)

// ResponseType identifies the expected answer of a query. Handlers and
// queries are matched on Name, which must be registered in a ResponseTypes
// registry before it is used on the wire.
type ResponseType struct {
	Name        string      `json:"name"`
	Cardinality Cardinality `json:"cardinality"`
}

// String returns name:cardinality.
func (r ResponseType) String() string {
	return fmt.Sprintf("%s:%s", r.Name, r.Cardinality)
}

// ResponseTypes is a registry of the response types known to a process.
type ResponseTypes struct {
	mu    sync.RWMutex
	types map[string]ResponseType
}

// NewResponseTypes creates a registry pre-populated with types.
func NewResponseTypes(types ...ResponseType) *ResponseTypes {
	r := &ResponseTypes{types: make(map[string]ResponseType)}
	for _, t := range types {
		r.types[t.Name] = t
	}
	return r
}

// Register adds name with the given cardinality and returns the type.
// Registering an existing name with a different cardinality is an error.
func (r *ResponseTypes) Register(name string, cardinality Cardinality) (ResponseType, error) {
	if name == "" {
		return ResponseType{}, fmt.Errorf("response type name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok {
		if existing.Cardinality != cardinality {
			return ResponseType{}, fmt.Errorf("response type %s already registered as %s", name, existing.Cardinality)
		}
		return existing, nil
	}
	t := ResponseType{Name: name, Cardinality: cardinality}
	r.types[name] = t
	return t, nil
}

// MustRegister is Register that panics on error. Intended for package level vars.
func (r *ResponseTypes) MustRegister(name string, cardinality Cardinality) ResponseType {
	t, err := r.Register(name, cardinality)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve looks up a registered type by name.
func (r *ResponseTypes) Resolve(name string) (ResponseType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Known reports whether t is registered with the same cardinality.
func (r *ResponseTypes) Known(t ResponseType) bool {
	got, ok := r.Resolve(t.Name)
	return ok && got.Cardinality == t.Cardinality
}
