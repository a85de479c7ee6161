// Package codec provides payload decoders for ingest sessions.
//
// Each decoder satisfies ingest.PayloadDecoder for its payload type and can
// be passed to ingest.NewSession or ingest.NewConn in place of ingest.Raw.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// encMode uses Core Deterministic Encoding: the same value always encodes to
// the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR. Senders use it to build payloads
// that CBOR decodes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// CBOR decodes each payload as one CBOR data item into a T.
type CBOR[T any] struct{}

// DecodePayload decodes b into a new T.
func (CBOR[T]) DecodePayload(b []byte) (T, error) {
	var v T
	if err := decMode.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, errors.Wrap(err, "cbor")
	}
	return v, nil
}
