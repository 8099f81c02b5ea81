package message

// WireSlot is a transfer slot flattened to bytes for endpoints that cannot move
// handles (sockets). Only payloads and array buffers have a wire form.
type WireSlot struct {
	Kind SlotKind `cbor:"1,keyasint"`
	Data []byte   `cbor:"2,keyasint"`
}

// WireEnvelope is the serializable form of an Envelope.
type WireEnvelope struct {
	Role     Role         `cbor:"1,keyasint"`
	Seq      uint32       `cbor:"2,keyasint,omitempty"`
	Method   string       `cbor:"3,keyasint,omitempty"`
	Idx      []uint32     `cbor:"4,keyasint"`
	Slots    []WireSlot   `cbor:"5,keyasint"`
	Skeleton []*Node      `cbor:"6,keyasint,omitempty"`
	Error    *RemoteError `cbor:"7,keyasint,omitempty"`
}
