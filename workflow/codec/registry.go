package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrModelNotRegistered is returned when a value tagged with a model
	// name is decoded, or a Model is encoded, and the name is unknown.
	ErrModelNotRegistered = errors.New("codec: model not registered")

	// ErrDuplicateModel is returned when a model name is registered twice.
	ErrDuplicateModel = errors.New("codec: model already registered")

	// ErrInvalidModel is returned for registrations with an empty name or a
	// missing encode or decode function.
	ErrInvalidModel = errors.New("codec: invalid model registration")

	// ErrModelTypeMismatch is returned when a decoded model cannot be
	// assigned to the caller's target.
	ErrModelTypeMismatch = errors.New("codec: decoded model does not match target type")

	// ErrInvalidTarget is returned when Unmarshal is given a nil or
	// non-pointer target.
	ErrInvalidTarget = errors.New("codec: unmarshal target must be a non-nil pointer")
)

// Model is an application type that round-trips through a Registry.
//
// ModelName must return a constant that is unique within the registry; it is
// written into the envelope as the type tag and is the only thing used to
// pick the decoder.
type Model interface {
	ModelName() string
}

// EncodeFunc flattens a model into fields.
type EncodeFunc func(m Model) (Fields, error)

// DecodeFunc rebuilds a model from fields.
type DecodeFunc func(f Fields) (Model, error)

type modelCodec struct {
	encode EncodeFunc
	decode DecodeFunc
}

// Registry maps model names to encode/decode pairs. Register every model at
// startup, before the registry is shared with a serializer. A Registry is
// safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelCodec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]modelCodec)}
}

// Register adds a model under name. It fails with ErrInvalidModel if name is
// empty or either function is nil, and with ErrDuplicateModel if name is
// already taken.
func (r *Registry) Register(name string, encode EncodeFunc, decode DecodeFunc) error {
	if name == "" || encode == nil || decode == nil {
		return fmt.Errorf("%w: name=%q encode=%t decode=%t", ErrInvalidModel, name, encode != nil, decode != nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateModel, name)
	}
	r.models[name] = modelCodec{encode: encode, decode: decode}
	return nil
}

// RegisterModel registers a concrete model type T under name.
//
//	err := codec.RegisterModel(reg, "Order",
//		func(o *Order) (codec.Fields, error) { return codec.Fields{"id": o.ID}, nil },
//		func(f codec.Fields) (*Order, error) { return &Order{ID: f.String("id")}, nil },
//	)
func RegisterModel[T Model](r *Registry, name string, encode func(T) (Fields, error), decode func(Fields) (T, error)) error {
	if encode == nil || decode == nil {
		return r.Register(name, nil, nil)
	}
	return r.Register(name,
		func(m Model) (Fields, error) {
			v, ok := m.(T)
			if !ok {
				return nil, fmt.Errorf("%w: %q registered for %T, got %T", ErrModelTypeMismatch, name, *new(T), m)
			}
			return encode(v)
		},
		func(f Fields) (Model, error) {
			return decode(f)
		},
	)
}

// Names returns the registered model names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	return names
}

func (r *Registry) encode(m Model) (string, Fields, error) {
	name := m.ModelName()
	if r == nil {
		return "", nil, fmt.Errorf("%w: %q (no registry configured)", ErrModelNotRegistered, name)
	}

	r.mu.RLock()
	c, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrModelNotRegistered, name)
	}

	fields, err := c.encode(m)
	if err != nil {
		return "", nil, fmt.Errorf("codec: encode model %q: %w", name, err)
	}
	return name, fields, nil
}

func (r *Registry) decode(name string, fields Fields) (Model, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q (no registry configured)", ErrModelNotRegistered, name)
	}

	r.mu.RLock()
	c, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotRegistered, name)
	}

	m, err := c.decode(fields)
	if err != nil {
		return nil, fmt.Errorf("codec: decode model %q: %w", name, err)
	}
	return m, nil
}

// assignModel stores m into the pointer target, dereferencing or taking the
// address of m where that makes the types line up.
func assignModel(target any, m Model) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrInvalidTarget
	}
	dst := rv.Elem()
	mv := reflect.ValueOf(m)

	switch {
	case mv.Type().AssignableTo(dst.Type()):
		dst.Set(mv)
	case mv.Kind() == reflect.Pointer && !mv.IsNil() && mv.Elem().Type().AssignableTo(dst.Type()):
		dst.Set(mv.Elem())
	case dst.Kind() == reflect.Pointer && reflect.PointerTo(mv.Type()).AssignableTo(dst.Type()):
		p := reflect.New(mv.Type())
		p.Elem().Set(mv)
		dst.Set(p)
	default:
		return fmt.Errorf("%w: %q decoded as %T, target is %s", ErrModelTypeMismatch, m.ModelName(), m, dst.Type())
	}
	return nil
}
