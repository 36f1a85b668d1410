// Package codec serializes step results and task inputs.
//
// Every serialized value is wrapped in a two-field envelope: "m" holds the
// model name for values that implement Model and "v" holds the body. Plain
// values (primitives, slices, maps, structs, time.Time) are encoded directly
// into the body. Models are flattened through a Registry and restored by
// looking up the tag, so decoding never depends on the Go type of the
// target alone.
package codec

import (
	"fmt"
	"reflect"
)

// Serializer converts values to and from bytes.
//
// Marshal must be deterministic for equal inputs, including maps, because
// checkpoint addresses and input hashes are computed over its output.
type Serializer interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Default returns the msgpack serializer bound to reg.
func Default(reg *Registry) Serializer {
	return NewMsgPack(reg)
}

// prepare resolves v into its envelope tag and body.
func prepare(reg *Registry, v any) (string, any, error) {
	m, ok := v.(Model)
	if !ok || isNilPointer(m) {
		return "", v, nil
	}
	name, fields, err := reg.encode(m)
	if err != nil {
		return "", nil, err
	}
	return name, fields, nil
}

// restore decodes a tagged body through the registry into target.
func restore(reg *Registry, name string, fields Fields, target any) error {
	m, err := reg.decode(name, fields)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("codec: decoder for %q returned nil", name)
	}
	return assignModel(target, m)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
