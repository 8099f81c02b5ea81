package message

// NodeKind is the shape of a skeleton node.
type NodeKind uint8

const (
	NodeLeaf   NodeKind = 0 // one slot
	NodeArray  NodeKind = 1 // Elems in order
	NodeObject NodeKind = 2 // Keys[i] -> Elems[i]
	NodeDuplex NodeKind = 3 // two slots: readable then writable
)

// LeafKind says how a single slot is turned back into a value.
type LeafKind uint8

const (
	LeafValue  LeafKind = 0 // codec payload
	LeafNative LeafKind = 1 // handle delivered as is
	LeafStream LeafKind = 2 // native stream handle adapted to a local stream
)

// Node is one element of the skeleton: the structure of a value graph after its
// leaves have been moved into the flat transfer list.
type Node struct {
	Kind  NodeKind `cbor:"1,keyasint"`
	Leaf  LeafKind `cbor:"2,keyasint,omitempty"`
	Elems []*Node  `cbor:"3,keyasint,omitempty"`
	Keys  []string `cbor:"4,keyasint,omitempty"`
}

// Leaf returns a single-slot node.
func Leaf(kind LeafKind) *Node { return &Node{Kind: NodeLeaf, Leaf: kind} }

// Slots returns the number of transfer slots the node covers.
func (n *Node) Slots() int {
	switch n.Kind {
	case NodeLeaf:
		return 1
	case NodeDuplex:
		return 2
	default:
		total := 0
		for _, e := range n.Elems {
			if e != nil {
				total += e.Slots()
			}
		}
		return total
	}
}
