// Package segment implements a buffering ingest.Stream that finalizes its
// observations into a compressed, checksummed Segment.
package segment

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"github.com/Zereker/ingest"
	"github.com/Zereker/ingest/codec"
)

var (
	// ErrEmpty is returned by Extract and Cut when nothing was pushed.
	ErrEmpty = errors.New("segment: no observations")
	// ErrFinalized is returned by Push, Extract and Cut after a successful
	// Extract.
	ErrFinalized = errors.New("segment: stream finalized")
	// ErrFull is returned by Push once the observation limit is reached.
	ErrFull = errors.New("segment: stream full")
	// ErrChecksum is returned by Decode when the data does not match the
	// segment checksum.
	ErrChecksum = errors.New("segment: checksum mismatch")
)

var _ ingest.Stream[[]byte, Segment] = (*Stream)(nil)

// Observation is one pushed payload.
type Observation struct {
	Timestamp time.Duration `cbor:"1,keyasint"`
	Payload   []byte        `cbor:"2,keyasint"`
}

// Segment is the finalized content of a Stream.
type Segment struct {
	ID       uuid.UUID     `cbor:"1,keyasint"`
	StreamID []byte        `cbor:"2,keyasint"`
	Count    int           `cbor:"3,keyasint"`
	First    time.Duration `cbor:"4,keyasint"`
	Last     time.Duration `cbor:"5,keyasint"`

	Compression Compression `cbor:"6,keyasint"`
	// Size is the length of the encoded observations before compression.
	Size     int      `cbor:"7,keyasint"`
	Checksum [32]byte `cbor:"8,keyasint"`
	Data     []byte   `cbor:"9,keyasint"`
}

type options struct {
	compression     Compression
	maxObservations int
}

// Option configures a Stream.
type Option func(*options)

// CompressionOption sets how extracted segments are compressed.
func CompressionOption(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// MaxObservationsOption limits how many payloads a Stream buffers. Zero
// means no limit.
func MaxObservationsOption(n int) Option {
	return func(o *options) {
		o.maxObservations = n
	}
}

// Stream buffers observations for one stream id. It is safe for concurrent
// use.
type Stream struct {
	id    []byte
	opts  options
	newID func() (uuid.UUID, error)

	mu           sync.Mutex
	observations []Observation
	finalized    bool
}

// New returns an empty stream for id.
func New(id []byte, opt ...Option) *Stream {
	s := &Stream{
		id:    bytes.Clone(id),
		newID: uuid.NewRandom,
	}
	for _, o := range opt {
		o(&s.opts)
	}
	return s
}

// Push records a copy of payload.
func (s *Stream) Push(timestamp time.Duration, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	if s.opts.maxObservations > 0 && len(s.observations) >= s.opts.maxObservations {
		return ErrFull
	}

	s.observations = append(s.observations, Observation{
		Timestamp: timestamp,
		Payload:   bytes.Clone(payload),
	})
	return nil
}

// Len returns the number of buffered observations.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observations)
}

// Extract finalizes the stream into a Segment. On error the stream keeps
// its observations and accepts further pushes.
func (s *Stream) Extract() (Segment, error) {
	return s.seal(true)
}

// Cut returns the buffered observations as a Segment and leaves the stream
// empty and open. Pushes racing with Cut land either in the returned
// segment or in the stream, never in neither. On error the stream keeps its
// observations.
func (s *Stream) Cut() (Segment, error) {
	return s.seal(false)
}

func (s *Stream) seal(finalize bool) (Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return Segment{}, ErrFinalized
	}
	if len(s.observations) == 0 {
		return Segment{}, ErrEmpty
	}

	encoded, err := codec.Marshal(s.observations)
	if err != nil {
		return Segment{}, errors.Wrap(err, "encode observations")
	}

	data, compression, err := compress(encoded, s.opts.compression)
	if err != nil {
		return Segment{}, err
	}

	id, err := s.newID()
	if err != nil {
		return Segment{}, errors.Wrap(err, "segment id")
	}

	first, last := s.observations[0].Timestamp, s.observations[0].Timestamp
	for _, o := range s.observations[1:] {
		first = min(first, o.Timestamp)
		last = max(last, o.Timestamp)
	}

	seg := Segment{
		ID:          id,
		StreamID:    bytes.Clone(s.id),
		Count:       len(s.observations),
		First:       first,
		Last:        last,
		Compression: compression,
		Size:        len(encoded),
		Checksum:    blake3.Sum256(data),
		Data:        data,
	}

	s.observations = nil
	s.finalized = finalize
	return seg, nil
}

// Decode verifies seg and returns its observations in push order.
func Decode(seg Segment) ([]Observation, error) {
	if blake3.Sum256(seg.Data) != seg.Checksum {
		return nil, ErrChecksum
	}

	encoded, err := decompress(seg.Data, seg.Compression, seg.Size)
	if err != nil {
		return nil, err
	}

	var observations []Observation
	if err := codec.Unmarshal(encoded, &observations); err != nil {
		return nil, errors.Wrap(err, "decode observations")
	}
	return observations, nil
}
