// Package port provides the platform side of the boundary: the handle types that
// can be moved between two execution contexts and the endpoints that move them.
//
// Moving a handle detaches it. After an envelope is posted, every handle in its
// transfer list is unusable on the sending side (a post that fails leaves them
// usable); the receiver gets a fresh handle
// object bound to the same underlying resource. Posting an envelope that lists
// the same handle twice, or a handle that is already detached, fails before
// anything is delivered.
package port

import (
	"errors"
	"io"
	"sync"

	"worker-rpc/message"
	"worker-rpc/rpcerr"
)

// ErrDetached is returned when a moved handle is used on the sending side.
var ErrDetached = errors.New("port: handle is detached")

// Handle is a value the platform can move across an endpoint without copying.
// The set is closed: ArrayBuffer, Port, ReadPort and WritePort.
type Handle interface {
	message.Transferable
	// Detached reports whether the handle has been moved away.
	Detached() bool
	// move detaches the handle and returns a new one owning the resource.
	move() (Handle, error)
	// restore takes the resource back from moved after a failed post.
	restore(moved Handle)
}

// detachState is embedded by every handle.
type detachState struct {
	mu       sync.Mutex
	detached bool
}

func (d *detachState) Detached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detached
}

// detach marks the handle moved; it fails if it already was.
func (d *detachState) detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return ErrDetached
	}
	d.detached = true
	return nil
}

func (d *detachState) reattach() {
	d.mu.Lock()
	d.detached = false
	d.mu.Unlock()
}

// ArrayBuffer is a movable raw memory buffer.
type ArrayBuffer struct {
	detachState
	data []byte
}

// NewArrayBuffer wraps data. The caller must not keep using data afterwards.
func NewArrayBuffer(data []byte) *ArrayBuffer {
	return &ArrayBuffer{data: data}
}

// SlotKind implements message.Transferable.
func (b *ArrayBuffer) SlotKind() message.SlotKind { return message.SlotArrayBuffer }

// Bytes returns the buffer contents, or nil once the buffer was moved.
func (b *ArrayBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil
	}
	return b.data
}

// Len returns the buffer length; 0 once detached.
func (b *ArrayBuffer) Len() int { return len(b.Bytes()) }

func (b *ArrayBuffer) move() (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	b.detached = true
	data := b.data
	b.data = nil
	return &ArrayBuffer{data: data}, nil
}

func (b *ArrayBuffer) restore(moved Handle) {
	m := moved.(*ArrayBuffer)
	b.mu.Lock()
	b.data, b.detached = m.data, false
	b.mu.Unlock()
}

// ReadPort is a native readable stream handle.
type ReadPort struct {
	detachState
	r io.Reader
}

// NewReadPort wraps r in a movable handle.
func NewReadPort(r io.Reader) *ReadPort { return &ReadPort{r: r} }

// SlotKind implements message.Transferable.
func (p *ReadPort) SlotKind() message.SlotKind { return message.SlotReadable }

// Read reads from the underlying source.
func (p *ReadPort) Read(b []byte) (int, error) {
	if p.Detached() {
		return 0, ErrDetached
	}
	return p.r.Read(b)
}

// Close closes the underlying source if it is closable.
func (p *ReadPort) Close() error {
	if p.Detached() {
		return ErrDetached
	}
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *ReadPort) move() (Handle, error) {
	if err := p.detach(); err != nil {
		return nil, err
	}
	return &ReadPort{r: p.r}, nil
}

func (p *ReadPort) restore(Handle) { p.reattach() }

// WritePort is a native writable stream handle.
type WritePort struct {
	detachState
	w io.Writer
}

// NewWritePort wraps w in a movable handle.
func NewWritePort(w io.Writer) *WritePort { return &WritePort{w: w} }

// SlotKind implements message.Transferable.
func (p *WritePort) SlotKind() message.SlotKind { return message.SlotWritable }

// Write writes to the underlying sink.
func (p *WritePort) Write(b []byte) (int, error) {
	if p.Detached() {
		return 0, ErrDetached
	}
	return p.w.Write(b)
}

// Close closes the underlying sink if it is closable.
func (p *WritePort) Close() error {
	if p.Detached() {
		return ErrDetached
	}
	if c, ok := p.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *WritePort) move() (Handle, error) {
	if err := p.detach(); err != nil {
		return nil, err
	}
	return &WritePort{w: p.w}, nil
}

func (p *WritePort) restore(Handle) { p.reattach() }

// checkTransfer verifies that no handle appears twice in the transfer list and
// that none is detached. self is the posting port, which may not be moved
// through itself.
func checkTransfer(transfer []message.Transferable, self *Port) error {
	seen := make(map[Handle]int, len(transfer))
	for i, slot := range transfer {
		if _, ok := slot.(message.Payload); ok {
			continue
		}
		h, ok := slot.(Handle)
		if !ok {
			return rpcerr.New(rpcerr.KindTransfer).
				Op("post").
				Detail("slot %d holds %T, which is not a platform handle", i, slot).
				Build()
		}
		if h.Detached() {
			return rpcerr.New(rpcerr.KindTransfer).
				Op("post").
				Detail("slot %d: %s handle is detached", i, h.SlotKind()).
				Build()
		}
		if j, dup := seen[h]; dup {
			return rpcerr.New(rpcerr.KindTransfer).
				Op("post").
				Detail("slots %d and %d hold the same %s handle", j, i, h.SlotKind()).
				Build()
		}
		seen[h] = i
		if p, ok := h.(*Port); ok && self != nil && (p == self || p.shares(self)) {
			return rpcerr.New(rpcerr.KindTransfer).
				Op("post").
				Detail("slot %d: a port cannot be moved through its own channel", i).
				Build()
		}
	}
	return nil
}

// moveTransfer detaches every handle and returns the receiver-side list. On
// failure nothing stays detached.
func moveTransfer(transfer []message.Transferable) ([]message.Transferable, error) {
	out := make([]message.Transferable, len(transfer))
	for i, slot := range transfer {
		h, ok := slot.(Handle)
		if !ok {
			out[i] = slot
			continue
		}
		moved, err := h.move()
		if err != nil {
			restoreTransfer(transfer[:i], out[:i])
			return nil, err
		}
		out[i] = moved
	}
	return out, nil
}

// restoreTransfer gives every handle moved by moveTransfer back to the sender.
func restoreTransfer(transfer, moved []message.Transferable) {
	for i, slot := range transfer {
		if h, ok := slot.(Handle); ok {
			h.restore(moved[i].(Handle))
		}
	}
}
