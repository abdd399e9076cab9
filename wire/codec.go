package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding identifies the serialization format used for a control or Hello
// payload. The numeric value identifies a codec (ParseEncoding, CodecFor);
// no Hello or frame field carries it, so each side encodes and decodes
// with the Codec it was configured with. Msgpack is the default compact
// binary codec (standing in for the Rust side's Postcard), Json trades size
// for human-readability and tooling, Raw passes bytes through untouched.
type Encoding uint16

const (
	EncodingMsgpack Encoding = 1
	EncodingJSON    Encoding = 2
	EncodingRaw     Encoding = 3
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgpack:
		return "msgpack"
	case EncodingJSON:
		return "json"
	case EncodingRaw:
		return "raw"
	default:
		return fmt.Sprintf("encoding(%d)", uint16(e))
	}
}

// ErrUnknownEncoding is returned when a wire encoding id doesn't match a
// known Encoding constant.
var ErrUnknownEncoding = errors.New("wire: unknown encoding")

// ParseEncoding validates a wire encoding id.
func ParseEncoding(v uint16) (Encoding, error) {
	switch Encoding(v) {
	case EncodingMsgpack, EncodingJSON, EncodingRaw:
		return Encoding(v), nil
	default:
		return 0, ErrUnknownEncoding
	}
}

// Codec encodes/decodes control-plane values for one Encoding.
type Codec interface {
	Encoding() Encoding
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// MsgpackCodec is the default control-plane codec: compact, schema-light
// binary encoding, the Go ecosystem's closest analogue to Postcard.
type MsgpackCodec struct{}

func (MsgpackCodec) Encoding() Encoding { return EncodingMsgpack }
func (MsgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// JSONCodec is a human-readable codec for debugging/tooling.
type JSONCodec struct{}

func (JSONCodec) Encoding() Encoding                   { return EncodingJSON }
func (JSONCodec) Marshal(v any) ([]byte, error)        { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error   { return json.Unmarshal(data, v) }

// RawCodec passes []byte through untouched; it only supports *[]byte or
// []byte values and errors for anything else, mirroring the Rust RawCodec.
type RawCodec struct{}

func (RawCodec) Encoding() Encoding { return EncodingRaw }

var ErrRawCodecUnsupported = errors.New("wire: raw codec only supports []byte")

func (RawCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...), nil
	}
	return nil, ErrRawCodecUnsupported
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	dst, ok := v.(*[]byte)
	if !ok {
		return ErrRawCodecUnsupported
	}
	*dst = append([]byte(nil), data...)
	return nil
}

// CodecFor returns the Codec implementation for a given Encoding.
func CodecFor(e Encoding) (Codec, error) {
	switch e {
	case EncodingMsgpack:
		return MsgpackCodec{}, nil
	case EncodingJSON:
		return JSONCodec{}, nil
	case EncodingRaw:
		return RawCodec{}, nil
	default:
		return nil, ErrUnknownEncoding
	}
}
