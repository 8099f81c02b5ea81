package rpcerr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(KindMarshal).
		Op("marshal").
		Path("params[1]", "inner").
		GoType("chan int").
		Detail("value cannot be placed").
		Cause(io.ErrUnexpectedEOF).
		Build()

	got := err.Error()
	for _, want := range []string{"marshal: marshal", "params[1].inner", "(chan int)", "value cannot be placed", "unexpected EOF"} {
		if !strings.Contains(got, want) {
			t.Errorf("error %q missing %q", got, want)
		}
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("call Add: %w", ChannelClosed("request", io.EOF))

	if !errors.Is(err, ErrChannelClosed) {
		t.Fatal("expect errors.Is to match ErrChannelClosed")
	}
	if errors.Is(err, ErrMarshal) {
		t.Fatal("channel closed must not match ErrMarshal")
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("expect cause to stay reachable")
	}
	if !IsKind(err, KindChannelClosed) {
		t.Fatal("IsKind should walk the wrap chain")
	}
}

func TestBuilderCopiesPath(t *testing.T) {
	path := []string{"a", "b"}
	err := New(KindEnvelope).Path(path...).Build()
	path[0] = "mutated"
	if err.Path[0] != "a" {
		t.Fatalf("builder must copy path, got %v", err.Path)
	}
}

func TestRemoteKeepsMessage(t *testing.T) {
	err := Remote("Arith.Div", "division by zero")
	if err.Detail != "division by zero" {
		t.Fatalf("expect verbatim message, got %q", err.Detail)
	}
	if !errors.Is(err, ErrRemote) {
		t.Fatal("expect remote kind")
	}
}

func TestSummaryOmitsOpAndKind(t *testing.T) {
	cases := []struct {
		err  *Error
		full string
		sum  string
	}{
		{New(KindDispatch).Op("Missing").Detail("unknown method").Build(), "Missing: dispatch: unknown method", "unknown method"},
		{New(KindMarshal).Path("params[0]").GoType("chan int").Build(), "marshal at params[0] (chan int)", "at params[0] (chan int)"},
		{New(KindEnvelope).Cause(io.EOF).Build(), "envelope (caused by: EOF)", "(caused by: EOF)"},
		{New(KindPool).Build(), "pool", ""},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.full {
			t.Errorf("Error() = %q, want %q", got, tc.full)
		}
		if got := tc.err.Summary(); got != tc.sum {
			t.Errorf("Summary() = %q, want %q", got, tc.sum)
		}
	}
}
