package port

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"worker-rpc/codec"
	"worker-rpc/message"
	"worker-rpc/protocol"
	"worker-rpc/rpcerr"
)

func TestChannelDeliversInOrder(t *testing.T) {
	a, b := NewChannel()
	defer a.Close()

	for i := 1; i <= 3; i++ {
		if err := a.Post(message.NewNotify("tick")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= 3; i++ {
		env, err := b.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if env.Method != "tick" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	}
}

func TestArrayBufferIsMoved(t *testing.T) {
	a, b := NewChannel()
	defer a.Close()

	buf := NewArrayBuffer([]byte("hello"))
	env := message.NewNotify("take")
	env.Idx = []uint32{1}
	env.Transfer = []message.Transferable{buf}

	if err := a.Post(env); err != nil {
		t.Fatal(err)
	}
	if !buf.Detached() || buf.Bytes() != nil {
		t.Fatal("sender's buffer must be detached after post")
	}

	got, err := b.Receive()
	if err != nil {
		t.Fatal(err)
	}
	moved, ok := got.Transfer[0].(*ArrayBuffer)
	if !ok {
		t.Fatalf("expect *ArrayBuffer, got %T", got.Transfer[0])
	}
	if moved == buf {
		t.Fatal("receiver must get a new handle object")
	}
	if string(moved.Bytes()) != "hello" {
		t.Fatalf("unexpected contents %q", moved.Bytes())
	}

	// Posting the detached buffer again fails before delivery.
	err = a.Post(&message.Envelope{Role: message.RoleNotify, Method: "take", Idx: []uint32{1}, Transfer: []message.Transferable{buf}})
	if !errors.Is(err, rpcerr.ErrTransfer) {
		t.Fatalf("expect transfer error, got %v", err)
	}
}

func TestDuplicateHandleRejected(t *testing.T) {
	a, _ := NewChannel()
	defer a.Close()

	buf := NewArrayBuffer([]byte{1})
	env := message.NewNotify("dup")
	env.Idx = []uint32{2}
	env.Transfer = []message.Transferable{buf, buf}

	err := a.Post(env)
	if !errors.Is(err, rpcerr.ErrTransfer) {
		t.Fatalf("expect transfer error, got %v", err)
	}
	if buf.Detached() {
		t.Fatal("a rejected post must not detach anything")
	}
}

func TestPortCanBeMoved(t *testing.T) {
	a, b := NewChannel()
	defer a.Close()
	c, d := NewChannel()
	defer c.Close()

	env := message.NewNotify("port")
	env.Idx = []uint32{1}
	env.Transfer = []message.Transferable{d}
	if err := a.Post(env); err != nil {
		t.Fatal(err)
	}
	got, err := b.Receive()
	if err != nil {
		t.Fatal(err)
	}
	moved := got.Transfer[0].(*Port)

	if err := c.Post(message.NewNotify("through")); err != nil {
		t.Fatal(err)
	}
	through, err := moved.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if through.Method != "through" {
		t.Fatalf("unexpected %+v", through)
	}
	if _, err := d.Receive(); !errors.Is(err, ErrDetached) {
		t.Fatalf("moved-away port must be detached, got %v", err)
	}

	// A port cannot travel through its own channel.
	self := message.NewNotify("self")
	self.Idx = []uint32{1}
	self.Transfer = []message.Transferable{c}
	if err := moved.Post(self); !errors.Is(err, rpcerr.ErrTransfer) {
		t.Fatalf("expect transfer error, got %v", err)
	}
}

func TestCloseDrainsThenEOF(t *testing.T) {
	a, b := NewChannel()
	if err := a.Post(message.NewNotify("last")); err != nil {
		t.Fatal(err)
	}
	a.Close()

	if _, err := b.Receive(); err != nil {
		t.Fatalf("queued envelope must still arrive, got %v", err)
	}
	if _, err := b.Receive(); err != io.EOF {
		t.Fatalf("expect io.EOF, got %v", err)
	}
	if err := b.Post(message.NewNotify("late")); !errors.Is(err, rpcerr.ErrChannelClosed) {
		t.Fatalf("expect channel closed, got %v", err)
	}
}

func TestConnEndpointRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	left := NewConnEndpoint(c1, ConnOptions{Compression: protocol.CompressionZstd, Threshold: 64})
	right := NewConnEndpoint(c2, ConnOptions{})
	defer left.Close()
	defer right.Close()

	big := bytes.Repeat([]byte("abc"), 1000)
	env := message.NewRequest(7, "Echo")
	env.Idx = []uint32{2}
	env.Transfer = []message.Transferable{message.Payload{0x01}, NewArrayBuffer(big)}
	env.Skeleton = []*message.Node{{Kind: message.NodeArray, Elems: []*message.Node{
		message.Leaf(message.LeafValue), message.Leaf(message.LeafNative)}}}

	errc := make(chan error, 1)
	go func() { errc <- left.Post(env) }()

	got, err := right.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got.Seq != 7 || got.Method != "Echo" || got.Role != message.RoleRequest {
		t.Fatalf("unexpected envelope %+v", got)
	}
	ab, ok := got.Transfer[1].(*ArrayBuffer)
	if !ok || !bytes.Equal(ab.Bytes(), big) {
		t.Fatal("array buffer did not survive the socket")
	}
	if err := got.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestConnEndpointRejectsStreams(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	e := NewConnEndpoint(c1, ConnOptions{})
	defer e.Close()

	rp := NewReadPort(strings.NewReader("x"))
	env := message.NewNotify("stream")
	env.Idx = []uint32{1}
	env.Transfer = []message.Transferable{rp}

	if err := e.Post(env); !errors.Is(err, rpcerr.ErrTransfer) {
		t.Fatalf("expect transfer error, got %v", err)
	}
	if rp.Detached() {
		t.Fatal("rejected handle must stay usable")
	}
}

func TestConnEndpointHeartbeatSkipped(t *testing.T) {
	c1, c2 := net.Pipe()
	left := NewConnEndpoint(c1, ConnOptions{Heartbeat: 10 * time.Millisecond})
	right := NewConnEndpoint(c2, ConnOptions{})
	defer left.Close()
	defer right.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		left.Post(message.NewNotify("after-heartbeats"))
	}()

	got, err := right.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != "after-heartbeats" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestConnEndpointEOF(t *testing.T) {
	c1, c2 := net.Pipe()
	right := NewConnEndpoint(c2, ConnOptions{})
	c1.Close()
	if _, err := right.Receive(); err != io.EOF {
		t.Fatalf("expect io.EOF, got %v", err)
	}
}

func TestRestoreTransfer(t *testing.T) {
	buf := NewArrayBuffer([]byte("kept"))
	rp := NewReadPort(strings.NewReader("x"))
	transfer := []message.Transferable{message.Payload{0x01}, buf, rp}

	moved, err := moveTransfer(transfer)
	if err != nil {
		t.Fatal(err)
	}
	if !buf.Detached() || !rp.Detached() {
		t.Fatal("move must detach every handle")
	}

	restoreTransfer(transfer, moved)
	if buf.Detached() || string(buf.Bytes()) != "kept" {
		t.Fatal("buffer must return to the sender")
	}
	if rp.Detached() {
		t.Fatal("read port must return to the sender")
	}

	// A handle that cannot move leaves the ones before it attached.
	gone := NewArrayBuffer(nil)
	gone.detach()
	if _, err := moveTransfer([]message.Transferable{buf, gone}); !errors.Is(err, ErrDetached) {
		t.Fatalf("expect detached error, got %v", err)
	}
	if buf.Detached() {
		t.Fatal("partial move must be undone")
	}
}

func TestConnEndpointFailedPostKeepsBuffer(t *testing.T) {
	c1, c2 := net.Pipe()
	e := NewConnEndpoint(c1, ConnOptions{})
	c2.Close()
	defer e.Close()

	buf := NewArrayBuffer([]byte("kept"))
	env := message.NewNotify("lost")
	env.Idx = []uint32{1}
	env.Transfer = []message.Transferable{buf}

	if err := e.Post(env); !errors.Is(err, rpcerr.ErrChannelClosed) {
		t.Fatalf("expect channel closed, got %v", err)
	}
	if buf.Detached() || string(buf.Bytes()) != "kept" {
		t.Fatal("buffer must stay with the sender after a failed write")
	}
}

func TestConnEndpointMalformedFrame(t *testing.T) {
	c1, c2 := net.Pipe()
	right := NewConnEndpoint(c2, ConnOptions{})
	defer c1.Close()
	defer right.Close()

	body, err := codec.MarshalEnvelope(&message.WireEnvelope{
		Role:   message.RoleRequest,
		Seq:    9,
		Method: "read",
		Idx:    []uint32{1},
		Slots:  []message.WireSlot{{Kind: message.SlotReadable}},
	})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		var w protocol.Writer
		w.Encode(c1, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 9}, body)
		w.Encode(c1, &protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 10}, []byte{0xff, 0x00})
	}()

	for _, seq := range []uint32{9, 10} {
		_, err := right.Receive()
		var bad *MalformedError
		if !errors.As(err, &bad) {
			t.Fatalf("expect malformed envelope error, got %v", err)
		}
		if bad.Seq != seq || bad.Role != message.RoleRequest || !errors.Is(err, rpcerr.ErrEnvelope) {
			t.Fatalf("unexpected error %+v", bad)
		}
	}
}
