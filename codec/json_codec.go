package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"reflect"

	"worker-rpc/message"
)

// Wrapper keys used by JSONCodec for values JSON cannot tell apart on its own.
const (
	jsonKeyFunction  = "$fn"
	jsonKeyUndefined = "$undefined"
	jsonKeyBytes     = "$bytes"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: byte buffers grow by a third (base64) and the marker types need wrapper
// objects, so a plain map that happens to look like {"$fn": "..."} is ambiguous.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(wrapJSON(reflect.ValueOf(v)))
}

func (c *JSONCodec) Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return unwrapJSON(v), nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// wrapJSON rewrites marker values and byte slices into wrapper objects. Maps and
// slices are walked; anything else is left for encoding/json.
func wrapJSON(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}

	switch x := v.Interface().(type) {
	case message.FunctionHandle:
		return map[string]any{jsonKeyFunction: string(x)}
	case message.Undefined:
		return map[string]any{jsonKeyUndefined: true}
	case []byte:
		if x == nil {
			return nil
		}
		return map[string]any{jsonKeyBytes: base64.StdEncoding.EncodeToString(x)}
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Interface {
			return wrapJSON(v.Elem())
		}
	case reflect.Map:
		if v.IsNil() || v.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = wrapJSON(iter.Value())
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			break
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = wrapJSON(v.Index(i))
		}
		return out
	}
	return v.Interface()
}

// unwrapJSON reverses wrapJSON on a decoded value and narrows json.Number to
// int64 where the number is integral.
func unwrapJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, err := x.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case []any:
		for i := range x {
			x[i] = unwrapJSON(x[i])
		}
		return x
	case map[string]any:
		if len(x) == 1 {
			if s, ok := x[jsonKeyFunction].(string); ok {
				return message.FunctionHandle(s)
			}
			if b, ok := x[jsonKeyUndefined].(bool); ok && b {
				return message.Undefined{}
			}
			if s, ok := x[jsonKeyBytes].(string); ok {
				if data, err := base64.StdEncoding.DecodeString(s); err == nil {
					return data
				}
			}
		}
		for k, e := range x {
			x[k] = unwrapJSON(e)
		}
		return x
	}
	return v
}
