package transfer

import (
	"fmt"
	"reflect"

	"worker-rpc/codec"
	"worker-rpc/message"
	"worker-rpc/port"
	"worker-rpc/rpcerr"
	"worker-rpc/stream"
)

// Option configures a Marshaler or Demarshaler.
type Option func(*options)

type options struct {
	codec   codec.Codec
	streams stream.Adapter
	flat    bool
}

func buildOptions(opts []Option) options {
	o := options{codec: &codec.CBORCodec{}, streams: stream.Default}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCodec sets the codec for opaque values. Both sides must agree.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithStreams sets the stream adapter.
func WithStreams(a stream.Adapter) Option {
	return func(o *options) { o.streams = a }
}

// Flat selects the skeleton-less wire shape. Arrays are flattened into their
// leaves and a value that used a single slot is unwrapped on decode, so a
// one-element array comes back as its element. Objects holding functions or
// streams cannot be marshaled in this shape.
func Flat() Option {
	return func(o *options) { o.flat = true }
}

// Accumulator collects the output of one Marshal call.
type Accumulator struct {
	Idx      []uint32
	Transfer []message.Transferable
	Skeleton []*message.Node // nil in the flat shape

	registry *Registry
	exposed  []message.FunctionHandle
}

// Exposed returns the handles exposed while marshaling.
func (a *Accumulator) Exposed() []message.FunctionHandle {
	return a.exposed
}

// Release revokes every function exposed while marshaling. Use it when the
// functions must not outlive the call that carried them.
func (a *Accumulator) Release() {
	for _, h := range a.exposed {
		a.registry.Revoke(h)
	}
	a.exposed = nil
}

// Fill moves the accumulated fields into env.
func (a *Accumulator) Fill(env *message.Envelope) {
	env.Idx = a.Idx
	env.Transfer = a.Transfer
	env.Skeleton = a.Skeleton
}

// Marshaler flattens values into an Accumulator.
type Marshaler struct {
	registry *Registry
	opts     options
}

// NewMarshaler creates a marshaler that exposes functions through reg.
func NewMarshaler(reg *Registry, opts ...Option) *Marshaler {
	return &Marshaler{registry: reg, opts: buildOptions(opts)}
}

// Marshal flattens a parameter list. Every value gets one idx entry. If any
// value fails, the functions exposed so far are revoked.
func (m *Marshaler) Marshal(params ...any) (*Accumulator, error) {
	return m.marshal(func(i int) string { return fmt.Sprintf("params[%d]", i) }, params)
}

// MarshalResult flattens a single result value.
func (m *Marshaler) MarshalResult(result any) (*Accumulator, error) {
	return m.marshal(func(int) string { return "result" }, []any{result})
}

func (m *Marshaler) marshal(name func(int) string, values []any) (*Accumulator, error) {
	acc := &Accumulator{
		Idx:      make([]uint32, 0, len(values)),
		Transfer: make([]message.Transferable, 0, len(values)),
		registry: m.registry,
	}
	if !m.opts.flat {
		acc.Skeleton = make([]*message.Node, 0, len(values))
	}

	for i, v := range values {
		path := name(i)
		if _, err := newScan().value(path, reflect.ValueOf(v), 0); err != nil {
			acc.Release()
			return nil, err
		}

		start := len(acc.Transfer)
		node, err := m.value(acc, path, v)
		if err != nil {
			acc.Release()
			return nil, err
		}
		acc.Idx = append(acc.Idx, uint32(len(acc.Transfer)-start))
		if !m.opts.flat {
			acc.Skeleton = append(acc.Skeleton, node)
		}
	}
	return acc, nil
}

func (m *Marshaler) value(acc *Accumulator, path string, v any) (*message.Node, error) {
	switch Classify(v) {
	case KindNative:
		acc.Transfer = append(acc.Transfer, v.(port.Handle))
		return message.Leaf(message.LeafNative), nil

	case KindPair, KindDuplex, KindReadable, KindWritable:
		if p, ok := asPair(v, reflect.ValueOf(v)); ok {
			v = p
		}
		handles, err := m.opts.streams.ToPortable(v)
		if err != nil {
			return nil, marshalErr(path, fmt.Sprintf("%T", v), "stream adapter failed", err)
		}
		for _, h := range handles {
			acc.Transfer = append(acc.Transfer, h)
		}
		switch len(handles) {
		case 1:
			return message.Leaf(message.LeafStream), nil
		case 2:
			return &message.Node{Kind: message.NodeDuplex}, nil
		default:
			return nil, marshalErr(path, fmt.Sprintf("%T", v),
				fmt.Sprintf("stream adapter returned %d handles", len(handles)), nil)
		}

	case KindFunction:
		h, err := m.registry.Expose(v)
		if err != nil {
			return nil, marshalErr(path, fmt.Sprintf("%T", v), "cannot expose function", err)
		}
		acc.exposed = append(acc.exposed, h)
		return m.payload(acc, path, h)

	case KindArray:
		rv := reflect.ValueOf(v)
		node := &message.Node{Kind: message.NodeArray, Elems: make([]*message.Node, 0, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			elem, err := m.value(acc, fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			node.Elems = append(node.Elems, elem)
		}
		return node, nil

	case KindObject:
		if o, ok := v.(opaque); ok {
			if _, err := newScan().value(path, reflect.ValueOf(o.v), 0); err != nil {
				return nil, err
			}
			return m.payload(acc, path, o.v)
		}
		rv := reflect.ValueOf(v)
		special, err := newScan().value(path, rv, 0)
		if err != nil {
			return nil, err
		}
		if !special {
			return m.payload(acc, path, v)
		}
		if m.opts.flat {
			return nil, marshalErr(path, rv.Type().String(),
				"objects holding functions or streams need the skeleton wire shape", nil)
		}
		return m.object(acc, path, rv)

	default:
		if rv := reflect.ValueOf(v); rv.IsValid() {
			switch rv.Kind() {
			case reflect.Uint, reflect.Uint64, reflect.Uintptr:
				if err := checkUint(path, rv); err != nil {
					return nil, err
				}
			}
		}
		return m.payload(acc, path, v)
	}
}

// object marshals a map with string keys member by member in sorted key order.
func (m *Marshaler) object(acc *Accumulator, path string, rv reflect.Value) (*message.Node, error) {
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, marshalErr(path, rv.Type().String(),
			"only maps with string keys may hold functions or streams", nil)
	}

	keys := sortedKeys(rv)
	node := &message.Node{
		Kind:  message.NodeObject,
		Keys:  make([]string, 0, len(keys)),
		Elems: make([]*message.Node, 0, len(keys)),
	}
	for _, key := range keys {
		name := key.String()
		elem, err := m.value(acc, path+"."+name, rv.MapIndex(key).Interface())
		if err != nil {
			return nil, err
		}
		node.Keys = append(node.Keys, name)
		node.Elems = append(node.Elems, elem)
	}
	return node, nil
}

func (m *Marshaler) payload(acc *Accumulator, path string, v any) (*message.Node, error) {
	data, err := m.opts.codec.Encode(v)
	if err != nil {
		return nil, marshalErr(path, fmt.Sprintf("%T", v), "codec rejected value", err)
	}
	acc.Transfer = append(acc.Transfer, message.Payload(data))
	return message.Leaf(message.LeafValue), nil
}

func marshalErr(path, goType, detail string, cause error) error {
	return rpcerr.New(rpcerr.KindMarshal).
		Op("marshal").
		Path(path).
		GoType(goType).
		Detail("%s", detail).
		Cause(cause).
		Build()
}
