// Package transfer is the value-marshaling layer between two execution contexts.
//
// A Marshaler turns call parameters or a result into the envelope triple
// (idx, transfer, skeleton): movable handles and codec payloads in one flat list,
// one idx entry per top-level value, and the residual structure of arrays and
// objects. A Demarshaler rebuilds the values from the same triple. Functions
// travel as FunctionHandles issued by a Registry and come back as Proxies;
// streams travel as native stream handles and come back as local streams.
package transfer

import (
	"io"
	"reflect"

	"worker-rpc/message"
	"worker-rpc/port"
	"worker-rpc/stream"
)

// Kind is the classification of a value.
type Kind uint8

const (
	KindPrimitive Kind = iota
	KindNative
	KindPair
	KindDuplex
	KindReadable
	KindWritable
	KindFunction
	KindArray
	KindBuffer
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindNative:
		return "native"
	case KindPair:
		return "readable-writable-pair"
	case KindDuplex:
		return "duplex"
	case KindReadable:
		return "readable"
	case KindWritable:
		return "writable"
	case KindFunction:
		return "function"
	case KindArray:
		return "array"
	case KindBuffer:
		return "buffer"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// special reports whether values of this kind leave the codec path.
func (k Kind) special() bool {
	switch k {
	case KindNative, KindPair, KindDuplex, KindReadable, KindWritable, KindFunction:
		return true
	}
	return false
}

// opaque forces a value through the codec.
type opaque struct{ v any }

// Opaque marks v as plain data. It is classified as an object and encoded by the
// codec even if it implements io.Reader or io.Writer.
func Opaque(v any) any { return opaque{v} }

var (
	bytesType     = reflect.TypeOf(byte(0))
	undefinedType = reflect.TypeOf(message.Undefined{})
)

// rule is one entry of the classification table.
type rule struct {
	kind  Kind
	match func(v any, rv reflect.Value) bool
}

// rules is evaluated top to bottom; the first match wins.
var rules = []rule{
	{KindPrimitive, isNilish},
	{KindObject, func(v any, _ reflect.Value) bool { _, ok := v.(opaque); return ok }},
	{KindNative, func(v any, _ reflect.Value) bool { _, ok := v.(port.Handle); return ok }},
	{KindPair, func(v any, rv reflect.Value) bool { _, ok := asPair(v, rv); return ok }},
	{KindDuplex, func(v any, _ reflect.Value) bool { _, ok := v.(io.ReadWriter); return ok }},
	{KindReadable, func(v any, _ reflect.Value) bool { _, ok := v.(io.Reader); return ok }},
	{KindWritable, func(v any, _ reflect.Value) bool { _, ok := v.(io.Writer); return ok }},
	{KindFunction, func(v any, rv reflect.Value) bool {
		_, ok := v.(*Proxy)
		return ok || rv.Kind() == reflect.Func
	}},
	{KindArray, func(_ any, rv reflect.Value) bool {
		k := rv.Kind()
		return (k == reflect.Slice || k == reflect.Array) && rv.Type().Elem() != bytesType
	}},
	{KindBuffer, func(_ any, rv reflect.Value) bool {
		k := rv.Kind()
		return k == reflect.Slice || k == reflect.Array
	}},
	{KindPrimitive, func(_ any, rv reflect.Value) bool { return rv.Type() == undefinedType }},
	{KindObject, func(_ any, rv reflect.Value) bool {
		switch rv.Kind() {
		case reflect.Map, reflect.Struct:
			return true
		case reflect.Pointer:
			return rv.Type().Elem().Kind() == reflect.Struct
		}
		return false
	}},
}

// Classify maps v to its Kind. It has no side effects.
func Classify(v any) Kind {
	rv := reflect.ValueOf(v)
	for _, r := range rules {
		if r.match(v, rv) {
			return r.kind
		}
	}
	return KindPrimitive
}

// isNilish matches nil and typed nil pointers, funcs, channels and interfaces.
// Nil slices and maps are left to the composite rules.
func isNilish(v any, rv reflect.Value) bool {
	if v == nil {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// asPair recognizes stream.Pair and two-element slices or arrays holding a
// reader then a writer.
func asPair(v any, rv reflect.Value) (stream.Pair, bool) {
	switch p := v.(type) {
	case stream.Pair:
		return p, true
	case *stream.Pair:
		return *p, true
	}
	k := rv.Kind()
	if (k != reflect.Slice && k != reflect.Array) || rv.Len() != 2 {
		return stream.Pair{}, false
	}
	first, second := rv.Index(0), rv.Index(1)
	if !first.CanInterface() || !second.CanInterface() {
		return stream.Pair{}, false
	}
	r, ok := first.Interface().(io.Reader)
	if !ok || r == nil {
		return stream.Pair{}, false
	}
	w, ok := second.Interface().(io.Writer)
	if !ok || w == nil {
		return stream.Pair{}, false
	}
	return stream.Pair{Readable: r, Writable: w}, true
}
