package ingest

import (
	"bytes"
	"encoding/binary"
	"io"
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// bodyChunk is the largest body read issued before the buffer grows again.
const bodyChunk = 64 * 1024

// sessionOptions holds the configuration for a Session.
type sessionOptions struct {
	maxFrameSize uint32
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

// MaxFrameSizeOption limits the size prefix a byte-mode Session accepts.
// Larger frames end the session with a *FrameTooLargeError before any body
// byte is read or buffered. Zero means no limit.
func MaxFrameSizeOption(size uint32) SessionOption {
	return func(o *sessionOptions) {
		o.maxFrameSize = size
	}
}

// Session drives a Server with a sequence of messages, one per call to Next,
// and remembers the ids of the messages the server accepted.
//
// A Session is not safe for concurrent use.
type Session[P, X any] struct {
	server  Server[P, X]
	touched map[string]struct{}
	done    bool
	opts    sessionOptions

	// byte mode
	reader  io.Reader
	decoder PayloadDecoder[P]
	prefix  [sizeFieldLen]byte
	buffer  []byte

	// message mode
	pull func() (Message[P], bool)
	stop func()
}

// NewSession returns a Session that reads size-prefixed frames from r and
// decodes each payload with dec.
//
// The frame buffer is reused between frames. It grows in steps as body
// bytes arrive rather than to the declared size up front, so a bogus size
// prefix does not allocate ahead of the data. Without MaxFrameSizeOption any
// declared size up to 4 GiB is accepted.
func NewSession[P, X any](server Server[P, X], r io.Reader, dec PayloadDecoder[P], opt ...SessionOption) *Session[P, X] {
	s := &Session[P, X]{
		server:  server,
		touched: make(map[string]struct{}),
		reader:  r,
		decoder: dec,
	}
	for _, o := range opt {
		o(&s.opts)
	}
	return s
}

// NewMessageSession returns a Session over already decoded messages. Only
// *ConsumeError can occur in this mode.
//
// The sequence is consumed lazily. Call IDsToExtract or Close when done so
// that an unfinished sequence is released.
func NewMessageSession[P, X any](server Server[P, X], msgs iter.Seq[Message[P]]) *Session[P, X] {
	pull, stop := iter.Pull(msgs)
	return &Session[P, X]{
		server:  server,
		touched: make(map[string]struct{}),
		pull:    pull,
		stop:    stop,
	}
}

// Next processes one message and returns its id if the server accepted it.
//
// io.EOF means the input is exhausted; every later call returns io.EOF too.
// Any other error concerns a single frame or message and leaves the
// session usable unless noted:
//   - *ParseError and *ConsumeError: the next call moves on to the next
//     frame.
//   - ErrOneByteMessageSize, ErrTwoByteMessageSize, ErrThreeByteMessageSize
//     and *TruncatedError: the source hit end of input inside a frame. The
//     partial frame is dropped and the next call reads the source again, so
//     a source that produces more bytes after an end of input is followed.
//   - *ReadError and *FrameTooLargeError: the byte stream can no longer be
//     framed; the session is done.
//
// The returned id is a copy owned by the caller.
func (s *Session[P, X]) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}

	var (
		id  []byte
		err error
	)
	if s.pull != nil {
		id, err = s.nextMessage()
	} else {
		id, err = s.nextFrame()
	}
	if err != nil {
		return nil, err
	}

	s.touched[string(id)] = struct{}{}
	return id, nil
}

func (s *Session[P, X]) nextMessage() ([]byte, error) {
	msg, ok := s.pull()
	if !ok {
		s.finish()
		return nil, io.EOF
	}
	return s.consume(msg)
}

func (s *Session[P, X]) nextFrame() ([]byte, error) {
	n, err := io.ReadFull(s.reader, s.prefix[:])
	switch {
	case err == nil:
	case n == 0 && errors.Is(err, io.EOF):
		s.finish()
		return nil, io.EOF
	case n > 0 && errors.Is(err, io.ErrUnexpectedEOF):
		return nil, shortSizeError(n)
	default:
		s.finish()
		return nil, &ReadError{Err: err}
	}

	size := binary.BigEndian.Uint32(s.prefix[:])
	if s.opts.maxFrameSize > 0 && size > s.opts.maxFrameSize {
		s.finish()
		return nil, &FrameTooLargeError{Size: size, Max: s.opts.maxFrameSize}
	}

	body, err := s.readBody(size)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		found := uint32(len(body))
		return nil, &TruncatedError{Found: found, Remaining: size - found}
	default:
		s.finish()
		return nil, &ReadError{Err: err}
	}

	msg, err := ParseMessage(body, s.decoder)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return s.consume(msg)
}

// readBody reads a body of size bytes into the session buffer. A buffer
// smaller than size is grown by at most bodyChunk bytes per read. On error
// the bytes read so far are returned.
func (s *Session[P, X]) readBody(size uint32) ([]byte, error) {
	if uint64(cap(s.buffer)) >= uint64(size) {
		body := s.buffer[:size]
		n, err := io.ReadFull(s.reader, body)
		return body[:n], err
	}

	body := s.buffer[:0]
	defer func() { s.buffer = body[:0] }()

	for remaining := size; remaining > 0; {
		step := int(min(remaining, bodyChunk))
		body = slices.Grow(body, step)
		n, err := io.ReadFull(s.reader, body[len(body):len(body)+step])
		body = body[:len(body)+n]
		if err != nil {
			return body, err
		}
		remaining -= uint32(n)
	}
	return body, nil
}

func (s *Session[P, X]) consume(msg Message[P]) ([]byte, error) {
	id := bytes.Clone(msg.Header.ID)
	if id == nil {
		id = []byte{}
	}
	if err := Consume(s.server, msg); err != nil {
		return nil, &ConsumeError{ID: id, Err: err}
	}
	return id, nil
}

func (s *Session[P, X]) finish() {
	s.done = true
	if s.stop != nil {
		s.stop()
	}
}

// Done reports whether the session has reached the end of its input.
func (s *Session[P, X]) Done() bool {
	return s.done
}

// Close ends the session without reading further input. It does not close
// the underlying reader.
func (s *Session[P, X]) Close() {
	if !s.done {
		s.finish()
	}
}

// All returns an iterator over the remaining results of Next, stopping at
// io.EOF.
func (s *Session[P, X]) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			id, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(id, err) {
				return
			}
		}
	}
}

// IDsToExtract runs the session to the end of its input, then returns the
// ids of every message the server accepted, in byte order. Errors met while
// draining are discarded. It may be called any number of times.
func (s *Session[P, X]) IDsToExtract() [][]byte {
	for !s.done {
		_, _ = s.Next()
	}

	ids := make([][]byte, 0, len(s.touched))
	for id := range s.touched {
		ids = append(ids, []byte(id))
	}
	slices.SortFunc(ids, bytes.Compare)
	return ids
}
