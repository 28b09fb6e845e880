// Package codec provides the deterministic DAG-CBOR encoding used for every
// block this service creates. The same logical value always produces the
// same bytes, and therefore the same CID.
package codec

import (
	"encoding/base64"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	ucanledger "github.com/wolfeidau/ucan-ledger"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): map keys sorted
// length-first, smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortLengthFirst,
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertReject,
		InfConvert:    cbor.InfConvertReject,
		IndefLength:   cbor.IndefLengthForbidden,
		Time:          cbor.TimeUnix,
		NilContainers: cbor.NilContainerAsEmpty,
	}.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Block maps only ever use string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IndefLength:    cbor.IndefLengthForbidden,
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode marshals v and returns the block bytes with their dag-cbor link.
func Encode(v any) ([]byte, ucanledger.Link, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, ucanledger.Link{}, fmt.Errorf("encoding block: %w", err)
	}
	link, err := ucanledger.NewLink(ucanledger.CodecDagCBOR, data)
	if err != nil {
		return nil, ucanledger.Link{}, err
	}
	return data, link, nil
}

// RawMessage is a raw encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// Normalize converts a value decoded into `any` to a JSON-friendly shape
// following the DAG-JSON conventions: links become {"/": "<cid>"} and byte
// strings become {"/": {"bytes": "<base64>"}}.
func Normalize(v any) any {
	switch val := v.(type) {
	case cbor.Tag:
		if val.Number == 42 {
			if content, ok := val.Content.([]byte); ok {
				if l, err := ucanledger.LinkFromTagContent(content); err == nil {
					return map[string]any{"/": l.String()}
				}
			}
		}
		return map[string]any{"tag": val.Number, "content": Normalize(val.Content)}
	case ucanledger.Link:
		return map[string]any{"/": val.String()}
	case []byte:
		return map[string]any{"/": map[string]any{"bytes": base64.RawStdEncoding.EncodeToString(val)}}
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
