// Package message defines the envelope exchanged between the two sides of a channel.
//
// An Envelope is the container for one request, notification or response. Next to
// the dispatch fields (role, sequence id, method name) it carries the marshaled
// values in flattened form:
//
//   - Idx:      one entry per top-level value, the number of transfer slots it uses
//   - Transfer: the flat slot list, opaque payloads and movable handles
//   - Skeleton: the residual structure needed to rebuild arrays and objects
//
// sum(Idx) == len(Transfer) always holds for a well-formed envelope.
package message

import (
	"worker-rpc/rpcerr"
)

// Role distinguishes requests, notifications and responses. It is set explicitly
// when the envelope is built and never inferred from the presence of a result.
type Role uint8

const (
	RoleRequest  Role = 1 // expects a response with the same Seq
	RoleNotify   Role = 2 // request without a response
	RoleResponse Role = 3 // carries exactly one result, or an error
)

func (r Role) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleNotify:
		return "notify"
	case RoleResponse:
		return "response"
	default:
		return "unknown"
	}
}

// SlotKind enumerates what may occupy a transfer slot. The set is closed: opaque
// payloads plus the handle types the port package defines.
type SlotKind uint8

const (
	SlotPayload     SlotKind = 0 // codec output
	SlotArrayBuffer SlotKind = 1 // movable raw memory buffer
	SlotPort        SlotKind = 2 // entangled message port
	SlotReadable    SlotKind = 3 // native readable stream
	SlotWritable    SlotKind = 4 // native writable stream
)

func (k SlotKind) String() string {
	switch k {
	case SlotPayload:
		return "payload"
	case SlotArrayBuffer:
		return "array-buffer"
	case SlotPort:
		return "port"
	case SlotReadable:
		return "readable"
	case SlotWritable:
		return "writable"
	default:
		return "unknown"
	}
}

// Transferable is a value that occupies one slot of an envelope's transfer list.
type Transferable interface {
	SlotKind() SlotKind
}

// Payload is an opaque byte payload produced by a codec.
type Payload []byte

// SlotKind implements Transferable.
func (Payload) SlotKind() SlotKind { return SlotPayload }

// FunctionHandle is the opaque token standing in for an exposed function. It is
// unique for the lifetime of the channel that issued it.
type FunctionHandle string

// Undefined is the "absent" primitive. It survives a round trip as itself and is
// never collapsed into nil.
type Undefined struct{}

// RemoteError is the error half of a response. Message is the peer's error text,
// passed through untranslated.
type RemoteError struct {
	Kind    string `cbor:"1,keyasint,omitempty"`
	Message string `cbor:"2,keyasint"`
}

// Envelope carries one request, notification or response.
type Envelope struct {
	Role     Role
	Seq      uint32 // correlation id; 0 for notifications
	Method   string // empty on responses
	Idx      []uint32
	Transfer []Transferable
	Skeleton []*Node // nil when the sender used the flat wire shape
	Error    *RemoteError
}

// NewRequest creates a request envelope for method.
func NewRequest(seq uint32, method string) *Envelope {
	return &Envelope{Role: RoleRequest, Seq: seq, Method: method}
}

// NewNotify creates a notification envelope for method.
func NewNotify(method string) *Envelope {
	return &Envelope{Role: RoleNotify, Method: method}
}

// NewResponse creates a response envelope answering seq.
func NewResponse(seq uint32) *Envelope {
	return &Envelope{Role: RoleResponse, Seq: seq}
}

// NewErrorResponse creates a response envelope carrying an error.
func NewErrorResponse(seq uint32, kind, msg string) *Envelope {
	return &Envelope{
		Role:  RoleResponse,
		Seq:   seq,
		Error: &RemoteError{Kind: kind, Message: msg},
	}
}

// Slots returns sum(Idx).
func (e *Envelope) Slots() int {
	total := 0
	for _, n := range e.Idx {
		total += int(n)
	}
	return total
}

// Validate checks the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	switch e.Role {
	case RoleRequest, RoleNotify:
		if e.Method == "" {
			return rpcerr.Envelope("%s without method", e.Role)
		}
	case RoleResponse:
		if e.Error == nil && len(e.Idx) != 1 {
			return rpcerr.Envelope("response must carry exactly one value, got %d", len(e.Idx))
		}
	default:
		return rpcerr.Envelope("unknown role %d", e.Role)
	}

	if total := e.Slots(); total != len(e.Transfer) {
		return rpcerr.Envelope("idx covers %d slots but transfer holds %d", total, len(e.Transfer))
	}

	if e.Skeleton != nil {
		if len(e.Skeleton) != len(e.Idx) {
			return rpcerr.Envelope("skeleton has %d nodes for %d values", len(e.Skeleton), len(e.Idx))
		}
		for i, node := range e.Skeleton {
			if node == nil {
				return rpcerr.Envelope("skeleton node %d is nil", i)
			}
			if got := node.Slots(); got != int(e.Idx[i]) {
				return rpcerr.Envelope("value %d: skeleton covers %d slots, idx says %d", i, got, e.Idx[i])
			}
		}
	}
	return nil
}

// Call is a demarshaled request as seen by handlers.
type Call struct {
	Method string
	Params []any
	Seq    uint32
	Notify bool // no response is expected
}

// Reply is the outcome of a handler.
type Reply struct {
	Result any
	Err    error
}
