package stream

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"

	"worker-rpc/port"
)

func TestReaderRoundTrip(t *testing.T) {
	hs, err := Default.ToPortable(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if len(hs) != 1 {
		t.Fatalf("expect 1 handle, got %d", len(hs))
	}
	v, err := Default.FromPortable(hs...)
	if err != nil {
		t.Fatal(err)
	}
	r, ok := v.(*Reader)
	if !ok {
		t.Fatalf("expect *Reader, got %T", v)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "hello" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hs, err := Default.ToPortable(io.Writer(&buf))
	if err != nil {
		t.Fatal(err)
	}
	// bytes.Buffer is also a reader, so it travels as a duplex.
	if len(hs) != 2 {
		t.Fatalf("expect 2 handles, got %d", len(hs))
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	hs, err = Default.ToPortable(pw)
	if err != nil {
		t.Fatal(err)
	}
	v, err := Default.FromPortable(hs...)
	if err != nil {
		t.Fatal(err)
	}
	w, ok := v.(*Writer)
	if !ok {
		t.Fatalf("expect *Writer, got %T", v)
	}
	go func() {
		w.Write([]byte("abc"))
		w.Close()
	}()
	got, _ := io.ReadAll(pr)
	if string(got) != "abc" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestDuplexWritesReachPeer(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	hs, err := Default.ToPortable(local)
	if err != nil {
		t.Fatal(err)
	}
	v, err := Default.FromPortable(hs...)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := v.(*Duplex)
	if !ok {
		t.Fatalf("expect *Duplex, got %T", v)
	}

	go d.Write([]byte("abc"))
	buf := make([]byte, 3)
	if _, err := io.ReadFull(remote, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "abc" {
		t.Fatalf("unexpected %q", buf)
	}

	go remote.Write([]byte("xyz"))
	if _, err := io.ReadFull(d, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "xyz" {
		t.Fatalf("unexpected %q", buf)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("closing a duplex must close the connection once, got %v", err)
	}
}

func TestPairBecomesDuplex(t *testing.T) {
	var out bytes.Buffer
	hs, err := Default.ToPortable(Pair{Readable: strings.NewReader("in"), Writable: &out})
	if err != nil {
		t.Fatal(err)
	}
	v, err := Default.FromPortable(hs...)
	if err != nil {
		t.Fatal(err)
	}
	d := v.(*Duplex)
	d.Write([]byte("out"))
	got, _ := io.ReadAll(d)
	if string(got) != "in" || out.String() != "out" {
		t.Fatalf("unexpected read %q / write %q", got, out.String())
	}
}

func TestFromPortableRejects(t *testing.T) {
	cases := []struct {
		name    string
		handles []port.Handle
	}{
		{"none", nil},
		{"buffer", []port.Handle{port.NewArrayBuffer(nil)}},
		{"swapped pair", []port.Handle{port.NewWritePort(io.Discard), port.NewReadPort(strings.NewReader(""))}},
		{"three", []port.Handle{
			port.NewReadPort(strings.NewReader("")),
			port.NewWritePort(io.Discard),
			port.NewWritePort(io.Discard),
		}},
	}
	for _, tc := range cases {
		if _, err := Default.FromPortable(tc.handles...); err == nil {
			t.Errorf("%s: expect error", tc.name)
		}
	}
	if _, err := Default.ToPortable(42); err == nil {
		t.Error("expect error for a non-stream")
	}
	if _, err := Default.ToPortable(Pair{Readable: strings.NewReader("")}); err == nil {
		t.Error("expect error for a half pair")
	}
}
