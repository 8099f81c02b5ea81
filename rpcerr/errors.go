// Package rpcerr provides the structured error types shared by the marshaling
// layer and the dispatch engine.
//
// Errors carry a Kind (what went wrong) plus optional context: the operation,
// the path of the offending value inside an argument graph, its Go type and a
// cause chain. errors.Is matches on Kind, so callers can write
//
//	if errors.Is(err, rpcerr.ErrChannelClosed) { ... }
//
// Build errors with the Builder:
//
//	err := rpcerr.New(rpcerr.KindMarshal).
//		Op("marshal").
//		Path("params[1]", "inner").
//		GoType("chan int").
//		Detail("value cannot be placed").
//		Build()
package rpcerr

import (
	"fmt"
	"strings"
)

// Kind categorizes the error.
type Kind string

const (
	KindMarshal       Kind = "marshal"        // classifier or codec rejected a value
	KindEnvelope      Kind = "envelope"       // malformed idx/transfer/skeleton
	KindChannelClosed Kind = "channel_closed" // target channel terminated
	KindRemote        Kind = "remote"         // application error raised by the peer
	KindDispatch      Kind = "dispatch"       // unknown method or unusable arguments
	KindTransfer      Kind = "transfer"       // handle cannot be moved by an endpoint
	KindPool          Kind = "pool"           // worker pool refused a task
)

// Error is the structured error type used throughout the module.
type Error struct {
	Cause  error
	Kind   Kind
	Op     string
	GoType string
	Detail string
	Path   []string
}

// Sentinels for errors.Is.
var (
	ErrMarshal       = &Error{Kind: KindMarshal}
	ErrEnvelope      = &Error{Kind: KindEnvelope}
	ErrChannelClosed = &Error{Kind: KindChannelClosed, Detail: "channel closed"}
	ErrRemote        = &Error{Kind: KindRemote}
	ErrDispatch      = &Error{Kind: KindDispatch}
	ErrTransfer      = &Error{Kind: KindTransfer}
	ErrPool          = &Error{Kind: KindPool}
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if s := e.Summary(); s != "" {
		if len(e.Path) == 0 && e.GoType == "" && e.Detail != "" {
			b.WriteString(": ")
		} else {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	return b.String()
}

// Summary renders everything but the operation and kind. It is the text sent
// to a peer, which adds its own operation and kind when it rebuilds the error.
func (e *Error) Summary() string {
	var b strings.Builder

	if len(e.Path) > 0 {
		b.WriteString("at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('(')
		b.WriteString(e.GoType)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("(caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same Kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(kind Kind) *Builder {
	return &Builder{err: Error{Kind: kind}}
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Path sets the value path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = append([]string(nil), path...)
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	err := b.err
	return &err
}

// Convenience constructors

// Envelope creates an envelope error.
func Envelope(format string, args ...any) *Error {
	return &Error{
		Kind:   KindEnvelope,
		Op:     "demarshal",
		Detail: fmt.Sprintf(format, args...),
	}
}

// Remote wraps an application error message raised by the peer. The message is
// kept verbatim.
func Remote(method, message string) *Error {
	return &Error{
		Kind:   KindRemote,
		Op:     method,
		Detail: message,
	}
}

// ChannelClosed returns a channel-closed error for op, optionally caused by err.
func ChannelClosed(op string, cause error) *Error {
	return &Error{
		Kind:   KindChannelClosed,
		Op:     op,
		Detail: "channel closed",
		Cause:  cause,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
