package transfer

import (
	"fmt"

	"worker-rpc/message"
	"worker-rpc/port"
	"worker-rpc/rpcerr"
)

// Demarshaler rebuilds values from an envelope's (idx, transfer, skeleton).
type Demarshaler struct {
	registry *Registry
	opts     options
}

// NewDemarshaler creates a demarshaler that resolves function handles through
// reg. Options must match the peer's Marshaler.
func NewDemarshaler(reg *Registry, opts ...Option) *Demarshaler {
	return &Demarshaler{registry: reg, opts: buildOptions(opts)}
}

// DemarshalEnvelope decodes the values carried by env.
func (d *Demarshaler) DemarshalEnvelope(env *message.Envelope) ([]any, error) {
	return d.Demarshal(env.Idx, env.Transfer, env.Skeleton)
}

// Demarshal returns one value per idx entry. Chunk boundaries come from idx
// alone. With a nil skeleton the flat convention applies: a chunk of one slot
// is unwrapped to its value, a (readable, writable) chunk becomes one duplex
// stream and any other chunk becomes a []any of its decoded slots.
func (d *Demarshaler) Demarshal(idx []uint32, transfer []message.Transferable, skeleton []*message.Node) ([]any, error) {
	total := 0
	for _, n := range idx {
		total += int(n)
	}
	if total != len(transfer) {
		return nil, rpcerr.Envelope("idx covers %d slots but transfer holds %d", total, len(transfer))
	}
	if skeleton != nil && len(skeleton) != len(idx) {
		return nil, rpcerr.Envelope("skeleton has %d nodes for %d values", len(skeleton), len(idx))
	}
	for i, slot := range transfer {
		if slot == nil {
			return nil, rpcerr.Envelope("transfer slot %d is empty", i)
		}
	}

	values := make([]any, len(idx))
	offset := 0
	for i, n := range idx {
		chunk := transfer[offset : offset+int(n)]
		offset += int(n)

		var (
			v   any
			err error
		)
		if skeleton == nil {
			v, err = d.flat(chunk)
		} else {
			v, err = d.structured(skeleton[i], chunk)
		}
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

func (d *Demarshaler) structured(node *message.Node, chunk []message.Transferable) (any, error) {
	if node == nil {
		return nil, rpcerr.Envelope("missing skeleton node")
	}
	if got := node.Slots(); got != len(chunk) {
		return nil, rpcerr.Envelope("skeleton covers %d slots, chunk holds %d", got, len(chunk))
	}
	off := 0
	return d.node(node, chunk, &off)
}

func (d *Demarshaler) node(n *message.Node, chunk []message.Transferable, off *int) (any, error) {
	switch n.Kind {
	case message.NodeLeaf:
		slot := chunk[*off]
		*off++
		return d.leaf(n.Leaf, slot)

	case message.NodeDuplex:
		a, b := chunk[*off], chunk[*off+1]
		*off += 2
		return d.duplex(a, b)

	case message.NodeArray:
		out := make([]any, len(n.Elems))
		for i, e := range n.Elems {
			if e == nil {
				return nil, rpcerr.Envelope("array element %d has no node", i)
			}
			v, err := d.node(e, chunk, off)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case message.NodeObject:
		if len(n.Keys) != len(n.Elems) {
			return nil, rpcerr.Envelope("object node has %d keys for %d members", len(n.Keys), len(n.Elems))
		}
		out := make(map[string]any, len(n.Keys))
		for i, e := range n.Elems {
			if e == nil {
				return nil, rpcerr.Envelope("member %q has no node", n.Keys[i])
			}
			v, err := d.node(e, chunk, off)
			if err != nil {
				return nil, err
			}
			out[n.Keys[i]] = v
		}
		return out, nil

	default:
		return nil, rpcerr.Envelope("unknown skeleton node kind %d", n.Kind)
	}
}

func (d *Demarshaler) leaf(kind message.LeafKind, slot message.Transferable) (any, error) {
	switch kind {
	case message.LeafValue:
		p, ok := slot.(message.Payload)
		if !ok {
			return nil, rpcerr.Envelope("value leaf holds a %s slot", slot.SlotKind())
		}
		return d.payload(p)

	case message.LeafNative:
		h, ok := slot.(port.Handle)
		if !ok {
			return nil, rpcerr.Envelope("native leaf holds a %s slot", slot.SlotKind())
		}
		return h, nil

	case message.LeafStream:
		switch h := slot.(type) {
		case *port.ReadPort, *port.WritePort:
			v, err := d.opts.streams.FromPortable(h.(port.Handle))
			if err != nil {
				return nil, rpcerr.New(rpcerr.KindEnvelope).Op("demarshal").Cause(err).Build()
			}
			return v, nil
		}
		return nil, rpcerr.Envelope("stream leaf holds a %s slot", slot.SlotKind())

	default:
		return nil, rpcerr.Envelope("unknown leaf kind %d", kind)
	}
}

func (d *Demarshaler) duplex(a, b message.Transferable) (any, error) {
	r, ok := a.(*port.ReadPort)
	if !ok {
		return nil, rpcerr.Envelope("duplex slot 0 holds %s, want readable", a.SlotKind())
	}
	w, ok := b.(*port.WritePort)
	if !ok {
		return nil, rpcerr.Envelope("duplex slot 1 holds %s, want writable", b.SlotKind())
	}
	v, err := d.opts.streams.FromPortable(r, w)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindEnvelope).Op("demarshal").Cause(err).Build()
	}
	return v, nil
}

// flat decodes a chunk without a skeleton.
func (d *Demarshaler) flat(chunk []message.Transferable) (any, error) {
	switch len(chunk) {
	case 0:
		return []any{}, nil
	case 1:
		// Single-slot unwrap: the value itself, never a one-element slice.
		return d.slot(chunk[0])
	case 2:
		if isStream(chunk[0]) || isStream(chunk[1]) {
			return d.duplex(chunk[0], chunk[1])
		}
	}

	out := make([]any, len(chunk))
	for i, slot := range chunk {
		if isStream(slot) {
			return nil, rpcerr.Envelope("stream handle in a chunk of %d slots", len(chunk))
		}
		v, err := d.slot(slot)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// slot decodes one slot by its own kind.
func (d *Demarshaler) slot(slot message.Transferable) (any, error) {
	switch slot.SlotKind() {
	case message.SlotPayload:
		return d.leaf(message.LeafValue, slot)
	case message.SlotReadable, message.SlotWritable:
		return d.leaf(message.LeafStream, slot)
	default:
		return d.leaf(message.LeafNative, slot)
	}
}

func (d *Demarshaler) payload(p message.Payload) (any, error) {
	v, err := d.opts.codec.Decode(p)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindEnvelope).
			Op("demarshal").
			Detail("undecodable payload of %d bytes", len(p)).
			Cause(err).
			Build()
	}
	if h, ok := v.(message.FunctionHandle); ok {
		return d.registry.Resolve(h), nil
	}
	return v, nil
}

func isStream(slot message.Transferable) bool {
	k := slot.SlotKind()
	return k == message.SlotReadable || k == message.SlotWritable
}
