// Package encoding converts records to and from their stored bytes.
package encoding

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler is used by stores that do not configure one.
var DefaultMarshaler = NewMarshaler()

type defaultMarshaler struct{}

// NewMarshaler returns the JSON marshaler. Records must be JSON-representable so
// migrations and CEL validators can work on their map form.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decodes a byte array back to its Object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Clone returns a deep copy of v through a DefaultMarshaler round trip.
func Clone[T any](v *T) (*T, error) {
	if v == nil {
		return nil, nil
	}
	b, err := DefaultMarshaler.Marshal(v)
	if err != nil {
		return nil, err
	}
	var c T
	if err := DefaultMarshaler.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ToMap converts v to its JSON object form.
func ToMap(v any) (map[string]any, error) {
	b, err := DefaultMarshaler.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := DefaultMarshaler.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// FromMap decodes a JSON object form into a new T.
func FromMap[T any](m map[string]any) (*T, error) {
	b, err := DefaultMarshaler.Marshal(m)
	if err != nil {
		return nil, err
	}
	var v T
	if err := DefaultMarshaler.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
