package codec

import (
	"encoding/json"
	"time"
)

// Fields is the flattened form of a Model.
//
// Serializers disagree on how numbers and times come back from an untyped
// decode (msgpack yields int64 and time.Time, JSON yields json.Number and
// RFC 3339 strings). The accessors hide that difference and return the zero
// value when a key is missing or holds an incompatible type.
type Fields map[string]any

// Has reports whether key is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// String returns the string stored at key.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool returns the bool stored at key.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Int returns the integer stored at key.
func (f Fields) Int(key string) int64 {
	return toInt(f[key])
}

// Float returns the number stored at key as a float64.
func (f Fields) Float(key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case json.Number:
		n, _ := v.Float64()
		return n
	default:
		return float64(toInt(v))
	}
}

// Time returns the time stored at key, in UTC.
func (f Fields) Time(key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t.UTC()
	default:
		return time.Time{}
	}
}

// Slice returns the ordered collection stored at key.
func (f Fields) Slice(key string) []any {
	switch v := f[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

// Strings returns the string elements of the collection stored at key.
func (f Fields) Strings(key string) []string {
	items := f.Slice(key)
	if items == nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns the associative collection stored at key.
func (f Fields) Map(key string) Fields {
	switch v := f[key].(type) {
	case Fields:
		return v
	case map[string]any:
		return Fields(v)
	default:
		return nil
	}
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			fl, _ := n.Float64()
			return int64(fl)
		}
		return i
	default:
		return 0
	}
}
