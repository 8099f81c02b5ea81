package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"worker-rpc/message"
)

// CBOR tag numbers for the marker types. Registered in a TagSet so that decoding
// into interface{} yields the marker type itself.
const (
	tagFunctionHandle uint64 = 49001
	tagUndefined      uint64 = 49002
)

// maxNestedLevels bounds the depth of decoded payloads.
const maxNestedLevels = 256

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2) plus the marker tags. decMode decodes maps into
// map[string]any and integers into int64.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	opts := cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}
	if err := tags.Add(opts, reflect.TypeOf(message.FunctionHandle("")), tagFunctionHandle); err != nil {
		panic("codec: registering function handle tag: " + err.Error())
	}
	if err := tags.Add(opts, reflect.TypeOf(message.Undefined{}), tagUndefined); err != nil {
		panic("codec: registering undefined tag: " + err.Error())
	}

	var err error
	encMode, err = cbor.CoreDetEncOptions().EncModeWithTags(tags)
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Values only ever use string keys. The CBOR default for any-typed
		// targets is map[interface{}]interface{}.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		IntDec:          cbor.IntDecConvertSignedOrFail,
		MaxNestedLevels: maxNestedLevels,
	}.DecModeWithTags(tags)
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec is the default value codec. Byte strings, nil, booleans, integers and
// the marker types all survive a round trip with their identity intact.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte) (any, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}

// Convert re-encodes v into the value pointed to by target. It is how generic
// decoded values (maps, int64, ...) reach typed function parameters.
func Convert(v any, target any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	return decMode.Unmarshal(data, target)
}

// MarshalEnvelope encodes a wire envelope for socket endpoints.
func MarshalEnvelope(env *message.WireEnvelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// UnmarshalEnvelope decodes a wire envelope produced by MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (*message.WireEnvelope, error) {
	env := &message.WireEnvelope{}
	if err := decMode.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}
