// Package serializer maps typed messages to wire envelopes and back.
//
// Payloads are encoded by a Codec (JSON or MessagePack) and tagged with a type
// name from a TypeRegistry, so the receiving side can decode them into the
// registered Go type. Unregistered types decode into generic values.
package serializer

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	dispatcherrors "github.com/DeBrosOfficial/dispatch/pkg/errors"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// EmptyType marks a nil payload.
const EmptyType = "empty"

// Codec encodes payload values.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec encodes payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// MsgpackCodec encodes payloads as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgpackCodec) Name() string                       { return "msgpack" }

// CodecByName returns the codec for a configuration value.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %q", name)
	}
}

// TypeRegistry maps type names to Go types.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewTypeRegistry creates a registry knowing the basic scalar types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	r.Register("string", "")
	r.Register("int", int(0))
	r.Register("int64", int64(0))
	r.Register("float64", float64(0))
	r.Register("bool", false)
	r.Register("bytes", []byte(nil))
	return r
}

// Register associates name with the type of sample.
func (r *TypeRegistry) Register(name string, sample any) {
	t := reflect.TypeOf(sample)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = t
	r.byType[t] = name
}

// NameOf returns the registered name of v's type, or its Go type name.
func (r *TypeRegistry) NameOf(v any) string {
	t := reflect.TypeOf(v)
	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return name
	}
	return t.String()
}

// Lookup returns the Go type registered under name.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Serializer encodes payload values into SerializedObjects.
type Serializer struct {
	codec Codec
	types *TypeRegistry
}

// New creates a serializer. A nil registry gets the default one.
func New(codec Codec, types *TypeRegistry) *Serializer {
	if codec == nil {
		codec = JSONCodec{}
	}
	if types == nil {
		types = NewTypeRegistry()
	}
	return &Serializer{codec: codec, types: types}
}

// NewJSON creates a JSON payload serializer.
func NewJSON(types *TypeRegistry) *Serializer {
	return New(JSONCodec{}, types)
}

// NewMsgpack creates a MessagePack payload serializer.
func NewMsgpack(types *TypeRegistry) *Serializer {
	return New(MsgpackCodec{}, types)
}

// Types returns the type registry.
func (s *Serializer) Types() *TypeRegistry {
	return s.types
}

// Serialize encodes v.
func (s *Serializer) Serialize(v any) (*wire.SerializedObject, error) {
	if v == nil {
		return &wire.SerializedObject{Type: EmptyType}, nil
	}
	data, err := s.codec.Marshal(v)
	if err != nil {
		return nil, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err,
			fmt.Sprintf("failed to serialize %T", v))
	}
	return &wire.SerializedObject{
		Type:     s.types.NameOf(v),
		Revision: s.codec.Name(),
		Data:     data,
	}, nil
}

// Deserialize decodes obj into its registered type, or a generic value when
// the type is unknown.
func (s *Serializer) Deserialize(obj *wire.SerializedObject) (any, error) {
	if obj == nil || obj.Type == EmptyType || (obj.Type == "" && len(obj.Data) == 0) {
		return nil, nil
	}

	if t, ok := s.types.Lookup(obj.Type); ok {
		ptr := reflect.New(t)
		if err := s.codec.Unmarshal(obj.Data, ptr.Interface()); err != nil {
			return nil, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err,
				fmt.Sprintf("failed to deserialize %s", obj.Type))
		}
		return ptr.Elem().Interface(), nil
	}

	var out any
	if err := s.codec.Unmarshal(obj.Data, &out); err != nil {
		return nil, dispatcherrors.WithCode(dispatcherrors.CodeSerializationError, err,
			fmt.Sprintf("failed to deserialize %s", obj.Type))
	}
	return out, nil
}
