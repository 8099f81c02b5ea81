// Package stream converts between local Go byte streams and the native stream
// handles a port endpoint can move.
//
// Outbound, ToPortable turns a reader, a writer, a duplex or a Pair into one or
// two handles. Inbound, FromPortable turns the handles back into a local stream
// object: a single readable or writable handle becomes a Reader or Writer, and a
// (readable, writable) couple becomes one Duplex.
package stream

import (
	"errors"
	"fmt"
	"io"

	"worker-rpc/port"
)

// Pair groups a readable and a writable stream that travel together and are
// rebuilt as one Duplex on the other side.
type Pair struct {
	Readable io.Reader
	Writable io.Writer
}

// Adapter converts streams to handles and back.
type Adapter interface {
	ToPortable(v any) ([]port.Handle, error)
	FromPortable(handles ...port.Handle) (any, error)
}

// Native is the Adapter for in-process endpoints. Handles wrap the original
// stream objects, so the receiver reads and writes the same source and sink.
type Native struct{}

// Default is the adapter used when none is configured.
var Default Adapter = Native{}

// ToPortable implements Adapter. A Pair or a value that is both reader and
// writer yields (ReadPort, WritePort); a reader or writer yields one handle.
func (Native) ToPortable(v any) ([]port.Handle, error) {
	switch s := v.(type) {
	case Pair:
		return pairHandles(s.Readable, s.Writable)
	case *Pair:
		if s == nil {
			return nil, errors.New("stream: nil pair")
		}
		return pairHandles(s.Readable, s.Writable)
	case io.ReadWriter:
		// Closing goes through the writable half only.
		return []port.Handle{port.NewReadPort(readOnly{s}), port.NewWritePort(s)}, nil
	case io.Reader:
		return []port.Handle{port.NewReadPort(s)}, nil
	case io.Writer:
		return []port.Handle{port.NewWritePort(s)}, nil
	default:
		return nil, fmt.Errorf("stream: %T is not a stream", v)
	}
}

func pairHandles(r io.Reader, w io.Writer) ([]port.Handle, error) {
	if r == nil || w == nil {
		return nil, errors.New("stream: pair needs both a readable and a writable")
	}
	return []port.Handle{port.NewReadPort(r), port.NewWritePort(w)}, nil
}

// FromPortable implements Adapter.
func (Native) FromPortable(handles ...port.Handle) (any, error) {
	switch len(handles) {
	case 1:
		switch h := handles[0].(type) {
		case *port.ReadPort:
			return &Reader{port: h}, nil
		case *port.WritePort:
			return &Writer{port: h}, nil
		}
		return nil, fmt.Errorf("stream: %s handle is not a stream", handles[0].SlotKind())
	case 2:
		r, ok := handles[0].(*port.ReadPort)
		if !ok {
			return nil, fmt.Errorf("stream: pair slot 0 holds %s, want readable", handles[0].SlotKind())
		}
		w, ok := handles[1].(*port.WritePort)
		if !ok {
			return nil, fmt.Errorf("stream: pair slot 1 holds %s, want writable", handles[1].SlotKind())
		}
		return &Duplex{r: r, w: w}, nil
	default:
		return nil, fmt.Errorf("stream: cannot build a stream from %d handles", len(handles))
	}
}

// readOnly hides every method of the wrapped value except Read.
type readOnly struct{ r io.Reader }

func (o readOnly) Read(p []byte) (int, error) { return o.r.Read(p) }

// Reader is the local form of a received readable stream.
type Reader struct {
	port *port.ReadPort
}

func (r *Reader) Read(p []byte) (int, error) { return r.port.Read(p) }

func (r *Reader) Close() error { return r.port.Close() }

// Writer is the local form of a received writable stream.
type Writer struct {
	port *port.WritePort
}

func (w *Writer) Write(p []byte) (int, error) { return w.port.Write(p) }

func (w *Writer) Close() error { return w.port.Close() }

// Duplex is the local form of a received stream pair.
type Duplex struct {
	r *port.ReadPort
	w *port.WritePort
}

func (d *Duplex) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *Duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

// CloseWrite closes only the writable half.
func (d *Duplex) CloseWrite() error { return d.w.Close() }

// Close closes both halves.
func (d *Duplex) Close() error {
	return errors.Join(d.r.Close(), d.w.Close())
}
