package codec

import "github.com/Zereker/ingest"

// Checked returns a decoder that keeps each payload as raw bytes once dec
// accepts it. A byte-oriented server uses it to reject malformed payloads
// without storing the decoded form.
func Checked[T any](dec ingest.PayloadDecoder[T]) ingest.PayloadDecoder[[]byte] {
	return ingest.PayloadDecoderFunc[[]byte](func(b []byte) ([]byte, error) {
		if _, err := dec.DecodePayload(b); err != nil {
			return nil, err
		}
		return b, nil
	})
}
