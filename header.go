package ingest

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Widths of the fixed-size header fields.
const (
	sizeFieldLen  = 4
	timestampLen  = 8
	minHeaderSize = sizeFieldLen*2 + timestampLen
)

// MaxTimestampMillis is the largest wire timestamp a Header can hold.
const MaxTimestampMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// PartKind identifies a header field.
type PartKind uint8

const (
	// PartTokenSize is the 4-byte token length field.
	PartTokenSize PartKind = iota
	// PartToken is the token body.
	PartToken
	// PartIDSize is the 4-byte id length field.
	PartIDSize
	// PartID is the id body.
	PartID
	// PartTimestamp is the 8-byte millisecond timestamp.
	PartTimestamp
)

// String returns the field name used in error messages.
func (k PartKind) String() string {
	switch k {
	case PartTokenSize:
		return "token size"
	case PartToken:
		return "token"
	case PartIDSize:
		return "id size"
	case PartID:
		return "id"
	case PartTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("part(%d)", uint8(k))
	}
}

// Part is the header field being read when parsing failed, together with the
// number of bytes that field needs. For token and id bodies Size is the
// length declared by the preceding size field.
type Part struct {
	Kind PartKind
	Size uint32
}

func (p Part) String() string {
	return fmt.Sprintf("%s of %d bytes", p.Kind, p.Size)
}

// HeaderError reports a header that ended before one of its fields.
// Remaining is the number of input bytes left when the missing field was
// reached, so Part.Size - Remaining more bytes would have completed it.
type HeaderError struct {
	Remaining uint32
	Part      Part
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("missing %s; %d bytes remaining", e.Part, e.Remaining)
}

// TimestampError reports a wire timestamp above MaxTimestampMillis.
type TimestampError struct {
	Millis uint64
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("timestamp of %d ms exceeds %d ms", e.Millis, MaxTimestampMillis)
}

// Header is the fixed prefix of every message.
//
// Token and ID alias the buffer passed to ParseHeader; they must not be
// retained past the lifetime of that buffer. Copy them if needed.
type Header struct {
	Token     []byte
	ID        []byte
	Timestamp time.Duration
}

// ParseHeader reads a Header from the front of b and returns it along with
// the unconsumed remainder of b. No field is ever partially consumed: if a
// field does not fit, a *HeaderError names it and reports how many bytes
// were left before it. A timestamp too large for a time.Duration yields a
// *TimestampError.
func ParseHeader(b []byte) (Header, []byte, error) {
	var h Header

	tokenLen, b, err := readSize(b, PartTokenSize)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Token, b, err = readBody(b, Part{Kind: PartToken, Size: tokenLen}); err != nil {
		return Header{}, nil, err
	}

	idLen, b, err := readSize(b, PartIDSize)
	if err != nil {
		return Header{}, nil, err
	}
	if h.ID, b, err = readBody(b, Part{Kind: PartID, Size: idLen}); err != nil {
		return Header{}, nil, err
	}

	if err = need(b, Part{Kind: PartTimestamp, Size: timestampLen}); err != nil {
		return Header{}, nil, err
	}
	millis := binary.BigEndian.Uint64(b)
	if millis > MaxTimestampMillis {
		return Header{}, nil, &TimestampError{Millis: millis}
	}
	h.Timestamp = time.Duration(millis) * time.Millisecond

	return h, b[timestampLen:], nil
}

func need(b []byte, part Part) error {
	if uint64(len(b)) < uint64(part.Size) {
		return &HeaderError{Remaining: uint32(len(b)), Part: part}
	}
	return nil
}

func readSize(b []byte, kind PartKind) (uint32, []byte, error) {
	if err := need(b, Part{Kind: kind, Size: sizeFieldLen}); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(b), b[sizeFieldLen:], nil
}

func readBody(b []byte, part Part) ([]byte, []byte, error) {
	if err := need(b, part); err != nil {
		return nil, nil, err
	}
	return b[:part.Size:part.Size], b[part.Size:], nil
}

// HeaderLen returns the encoded size of h.
func HeaderLen(h Header) int {
	return minHeaderSize + len(h.Token) + len(h.ID)
}

// AppendHeader appends the wire encoding of h to dst. Timestamps are encoded
// with millisecond resolution; sub-millisecond parts are truncated and
// negative timestamps are written as 0.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(h.Token)))
	dst = append(dst, h.Token...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(h.ID)))
	dst = append(dst, h.ID...)
	return binary.BigEndian.AppendUint64(dst, uint64(max(h.Timestamp, 0)/time.Millisecond))
}
