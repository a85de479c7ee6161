package codec

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Proto decodes each payload as a protobuf message of type M.
type Proto[M proto.Message] struct {
	newFn func() M
}

// NewProto returns a decoder that unmarshals into the message returned by
// newFn. newFn is called once per payload.
func NewProto[M proto.Message](newFn func() M) Proto[M] {
	return Proto[M]{newFn: newFn}
}

// DecodePayload unmarshals b into a fresh message.
func (p Proto[M]) DecodePayload(b []byte) (M, error) {
	m := p.newFn()
	if err := proto.Unmarshal(b, m); err != nil {
		var zero M
		return zero, errors.Wrap(err, "protobuf")
	}
	return m, nil
}
