package codec

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

type msgpackEnvelopeOut struct {
	Model string `msgpack:"m,omitempty"`
	Value any    `msgpack:"v"`
}

type msgpackEnvelopeIn struct {
	Model string             `msgpack:"m,omitempty"`
	Value msgpack.RawMessage `msgpack:"v"`
}

// MsgPack is the binary Serializer. Map keys are sorted on encode and
// untyped numbers decode as int64, uint64 or float64.
type MsgPack struct {
	registry *Registry
}

// NewMsgPack creates a msgpack serializer. reg may be nil when no models
// are used.
func NewMsgPack(reg *Registry) *MsgPack {
	return &MsgPack{registry: reg}
}

// Name returns "msgpack".
func (s *MsgPack) Name() string { return "msgpack" }

// Marshal encodes v inside an envelope.
func (s *MsgPack) Marshal(v any) ([]byte, error) {
	name, body, err := prepare(s.registry, v)
	if err != nil {
		return nil, err
	}

	canon, err := canonicalBody(body)
	if err != nil {
		return nil, fmt.Errorf("codec: msgpack encode %T: %w", v, err)
	}

	var buf bytes.Buffer
	enc := newMsgpackEncoder(&buf)
	if err := enc.Encode(msgpackEnvelopeOut{Model: name, Value: canon}); err != nil {
		return nil, fmt.Errorf("codec: msgpack encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func newMsgpackEncoder(w io.Writer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	return enc
}

// canonicalBody re-encodes body so that every map, typed or not and at any
// depth, is written in key order. The encoder only sorts map[string]any
// and its string-keyed siblings, so the body is decoded back into a
// generic tree and every map in it is rewritten as a sortedMap.
func canonicalBody(body any) (any, error) {
	if body == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := newMsgpackEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}
	dec := msgpack.NewDecoder(&buf)
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	tree, err := dec.DecodeInterface()
	if err != nil {
		return nil, err
	}
	return canonicalize(tree)
}

func canonicalize(v any) (any, error) {
	switch v := v.(type) {
	case map[any]any:
		if v == nil {
			return nil, nil
		}
		out := make(sortedMap, 0, len(v))
		for k, val := range v {
			key, err := canonicalize(k)
			if err != nil {
				return nil, err
			}
			var kb bytes.Buffer
			if err := newMsgpackEncoder(&kb).Encode(key); err != nil {
				return nil, err
			}
			cv, err := canonicalize(val)
			if err != nil {
				return nil, err
			}
			out = append(out, sortedEntry{key: kb.Bytes(), value: cv})
		}
		sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key, out[j].key) < 0 })
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			cv, err := canonicalize(el)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		return v, nil
	}
}

type sortedEntry struct {
	key   msgpack.RawMessage
	value any
}

// sortedMap is a msgpack map whose entries are ordered by encoded key.
type sortedMap []sortedEntry

func (m sortedMap) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(m)); err != nil {
		return err
	}
	for _, e := range m {
		if err := enc.Encode(e.key); err != nil {
			return err
		}
		if err := enc.Encode(e.value); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes an envelope produced by Marshal into v.
func (s *MsgPack) Unmarshal(data []byte, v any) error {
	if rv := reflect.ValueOf(v); rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidTarget
	}

	var env msgpackEnvelopeIn
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("codec: msgpack decode envelope: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(env.Value))
	dec.UseLooseInterfaceDecoding(true)

	if env.Model == "" {
		if len(env.Value) == 0 || (len(env.Value) == 1 && env.Value[0] == msgpcode.Nil) {
			target := reflect.ValueOf(v).Elem()
			target.Set(reflect.Zero(target.Type()))
			return nil
		}
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("codec: msgpack decode into %T: %w", v, err)
		}
		return nil
	}

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("codec: msgpack decode model %q: %w", env.Model, err)
	}
	return restore(s.registry, env.Model, Fields(fields), v)
}
