package ingest

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Message is a parsed message: its header and its decoded payload.
type Message[P any] struct {
	Header  Header
	Payload P
}

// PayloadDecoder turns the bytes following a header into a payload value.
// Implementations may alias b in the returned value; the caller only keeps
// the result as long as b is valid.
type PayloadDecoder[P any] interface {
	DecodePayload(b []byte) (P, error)
}

// PayloadDecoderFunc adapts a function to the PayloadDecoder interface.
type PayloadDecoderFunc[P any] func(b []byte) (P, error)

// DecodePayload calls f(b).
func (f PayloadDecoderFunc[P]) DecodePayload(b []byte) (P, error) {
	return f(b)
}

// Raw is the identity payload decoder: the payload is the remaining bytes,
// unchanged. It never fails.
type Raw struct{}

// DecodePayload returns b.
func (Raw) DecodePayload(b []byte) ([]byte, error) {
	return b, nil
}

// PayloadError wraps a failure of the payload decoder, as opposed to a
// *HeaderError, which means the protocol header itself was malformed.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decode payload: %v", e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// ParseMessage parses a header from b and decodes the rest of b with dec.
// The error is a *HeaderError when the header is short, a *TimestampError
// when its timestamp is out of range, or a *PayloadError when dec rejects the
// payload.
func ParseMessage[P any](b []byte, dec PayloadDecoder[P]) (Message[P], error) {
	header, rest, err := ParseHeader(b)
	if err != nil {
		return Message[P]{}, err
	}

	payload, err := dec.DecodePayload(rest)
	if err != nil {
		return Message[P]{}, &PayloadError{Err: err}
	}

	return Message[P]{Header: header, Payload: payload}, nil
}

// AppendFrame appends a complete frame (size prefix, header and payload) to
// dst.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(HeaderLen(h)+len(payload)))
	dst = AppendHeader(dst, h)
	return append(dst, payload...)
}

// WriteFrame encodes one frame and writes it to w in a single Write call.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	frame := AppendFrame(make([]byte, 0, sizeFieldLen+HeaderLen(h)+len(payload)), h, payload)
	_, err := w.Write(frame)
	return errors.Wrap(err, "write frame")
}
