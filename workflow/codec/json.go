package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
)

type jsonEnvelopeOut struct {
	Model string `json:"m,omitempty"`
	Value any    `json:"v"`
}

type jsonEnvelopeIn struct {
	Model string          `json:"m,omitempty"`
	Value json.RawMessage `json:"v"`
}

// JSON is the text Serializer, useful when stored values must be readable
// with ordinary database tooling. Untyped numbers decode as json.Number.
type JSON struct {
	registry *Registry
}

// NewJSON creates a JSON serializer. reg may be nil when no models are
// used.
func NewJSON(reg *Registry) *JSON {
	return &JSON{registry: reg}
}

// Name returns "json".
func (s *JSON) Name() string { return "json" }

// Marshal encodes v inside an envelope. encoding/json sorts map keys, which
// keeps the output deterministic.
func (s *JSON) Marshal(v any) ([]byte, error) {
	name, body, err := prepare(s.registry, v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(jsonEnvelopeOut{Model: name, Value: body})
	if err != nil {
		return nil, fmt.Errorf("codec: json encode %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes an envelope produced by Marshal into v.
func (s *JSON) Unmarshal(data []byte, v any) error {
	if rv := reflect.ValueOf(v); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidTarget
	}

	var env jsonEnvelopeIn
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("codec: json decode envelope: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(env.Value))
	dec.UseNumber()

	if env.Model == "" {
		if len(env.Value) == 0 {
			return nil
		}
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("codec: json decode into %T: %w", v, err)
		}
		return nil
	}

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("codec: json decode model %q: %w", env.Model, err)
	}
	return restore(s.registry, env.Model, Fields(fields), v)
}
