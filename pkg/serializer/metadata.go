package serializer

import (
	"github.com/DeBrosOfficial/dispatch/pkg/message"
	"github.com/DeBrosOfficial/dispatch/pkg/wire"
)

// MetaDataToWire converts metadata, encoding non-scalar values as payloads.
func (s *Serializer) MetaDataToWire(md message.MetaData) (map[string]wire.MetaDataValue, error) {
	if len(md) == 0 {
		return nil, nil
	}
	out := make(map[string]wire.MetaDataValue, len(md))
	for k, v := range md {
		switch val := v.(type) {
		case string:
			out[k] = wire.TextValue(val)
		case int:
			out[k] = wire.NumberValue(int64(val))
		case int32:
			out[k] = wire.NumberValue(int64(val))
		case int64:
			out[k] = wire.NumberValue(val)
		case bool:
			b := val
			out[k] = wire.MetaDataValue{Boolean: &b}
		case float32:
			f := float64(val)
			out[k] = wire.MetaDataValue{Double: &f}
		case float64:
			f := val
			out[k] = wire.MetaDataValue{Double: &f}
		default:
			obj, err := s.Serialize(v)
			if err != nil {
				return nil, err
			}
			out[k] = wire.MetaDataValue{Bytes: obj}
		}
	}
	return out, nil
}

// MetaDataFromWire converts wire metadata back.
func (s *Serializer) MetaDataFromWire(in map[string]wire.MetaDataValue) (message.MetaData, error) {
	out := make(message.MetaData, len(in))
	for k, v := range in {
		switch {
		case v.Text != nil:
			out[k] = *v.Text
		case v.Number != nil:
			out[k] = *v.Number
		case v.Boolean != nil:
			out[k] = *v.Boolean
		case v.Double != nil:
			out[k] = *v.Double
		case v.Bytes != nil:
			val, err := s.Deserialize(v.Bytes)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
	}
	return out, nil
}
