// Package codec provides the pluggable codecs that turn plain values into opaque
// byte payloads and back.
//
// A codec owns plain-object, array and primitive fidelity. Two marker types from
// the message package need special care and every codec must keep them apart from
// ordinary strings and nil:
//
//   - message.FunctionHandle, the token standing in for an exposed function
//   - message.Undefined, the "absent" primitive
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Codec encodes single values into payloads and decodes them back into generic
// Go values (map[string]any, []any, int64, float64, string, []byte, bool, nil,
// message.FunctionHandle, message.Undefined).
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
	Type() CodecType // 0=JSON, 1=CBOR
}

// GetCodec returns the codec for codecType. Unknown types fall back to CBOR.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &CBORCodec{}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "cbor":
		return CodecTypeCBOR, nil
	case "json":
		return CodecTypeJSON, nil
	default:
		return 0, fmt.Errorf("unknown codec: %q", name)
	}
}
