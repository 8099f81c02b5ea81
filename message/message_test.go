package message

import (
	"errors"
	"testing"

	"worker-rpc/rpcerr"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
		ok   bool
	}{
		{
			name: "request",
			env: &Envelope{Role: RoleRequest, Seq: 1, Method: "Arith.Add",
				Idx: []uint32{1, 0, 2}, Transfer: []Transferable{Payload{1}, Payload{2}, Payload{3}}},
			ok: true,
		},
		{
			name: "slot count mismatch",
			env: &Envelope{Role: RoleRequest, Seq: 1, Method: "Arith.Add",
				Idx: []uint32{2}, Transfer: []Transferable{Payload{1}}},
		},
		{
			name: "request without method",
			env:  &Envelope{Role: RoleRequest, Seq: 1},
		},
		{
			name: "response with falsy result",
			env:  &Envelope{Role: RoleResponse, Seq: 3, Idx: []uint32{1}, Transfer: []Transferable{Payload{0xf4}}},
			ok:   true,
		},
		{
			name: "response with two values",
			env:  &Envelope{Role: RoleResponse, Seq: 3, Idx: []uint32{0, 0}},
		},
		{
			name: "error response",
			env:  NewErrorResponse(4, "remote", "boom"),
			ok:   true,
		},
		{
			name: "skeleton disagrees with idx",
			env: &Envelope{Role: RoleNotify, Method: "cb", Idx: []uint32{1},
				Transfer: []Transferable{Payload{1}}, Skeleton: []*Node{{Kind: NodeDuplex}}},
		},
		{
			name: "unknown role",
			env:  &Envelope{Role: 9},
		},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expect error", tc.name)
			} else if !errors.Is(err, rpcerr.ErrEnvelope) {
				t.Errorf("%s: expect envelope error, got %v", tc.name, err)
			}
		}
	}
}

func TestNodeSlots(t *testing.T) {
	// [a, [], {x: duplex, y: b}]
	n := &Node{Kind: NodeArray, Elems: []*Node{
		Leaf(LeafValue),
		{Kind: NodeArray},
		{Kind: NodeObject, Keys: []string{"x", "y"}, Elems: []*Node{{Kind: NodeDuplex}, Leaf(LeafValue)}},
	}}
	if got := n.Slots(); got != 4 {
		t.Fatalf("expect 4 slots, got %d", got)
	}
	if got := (&Node{Kind: NodeArray}).Slots(); got != 0 {
		t.Fatalf("empty array must cover 0 slots, got %d", got)
	}
}

func TestRoleString(t *testing.T) {
	if RoleResponse.String() != "response" || Role(0).String() != "unknown" {
		t.Fatal("unexpected role names")
	}
}
