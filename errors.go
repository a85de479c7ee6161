package ingest

import (
	"fmt"

	"github.com/pkg/errors"
)

// Dispatch errors.
var (
	// ErrInvalidToken is returned by Server.Auth for a token it does not
	// accept.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingID is returned by Consume when the authenticated Finder has
	// no stream under the message id.
	ErrMissingID = errors.New("missing id")
)

// Framing errors for a size prefix cut short by the end of input.
var (
	ErrOneByteMessageSize   = errors.New("one-byte message size")
	ErrTwoByteMessageSize   = errors.New("two-byte message size")
	ErrThreeByteMessageSize = errors.New("three-byte message size")
)

// AuthError is a failed Server.Auth. Err is ErrInvalidToken or the
// server's own error.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if errors.Is(e.Err, ErrInvalidToken) {
		return e.Err.Error()
	}
	return fmt.Sprintf("auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// InvalidToken reports whether the server rejected the token itself rather
// than failing to check it.
func (e *AuthError) InvalidToken() bool {
	return errors.Is(e.Err, ErrInvalidToken)
}

// PushError is a failed Stream.Push.
type PushError struct {
	Err error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push: %v", e.Err)
}

func (e *PushError) Unwrap() error {
	return e.Err
}

// ReadError is an I/O failure of the session's byte source.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// TruncatedError is a frame whose body ended early. Found bytes of the body
// were read; Remaining more were declared by the size prefix.
type TruncatedError struct {
	Found     uint32
	Remaining uint32
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%d bytes of message found; %d bytes remaining", e.Found, e.Remaining)
}

// FrameTooLargeError is a size prefix above the session's frame limit.
type FrameTooLargeError struct {
	Size uint32
	Max  uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds limit of %d bytes", e.Size, e.Max)
}

// ParseError is a frame whose body could not be parsed. Err is a
// *HeaderError, a *TimestampError or a *PayloadError.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ConsumeError is a parsed message the Server did not accept. Err is an
// *AuthError, ErrMissingID or a *PushError.
type ConsumeError struct {
	ID  []byte
	Err error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("consume %q: %v", e.ID, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// shortSizeError maps the number of prefix bytes read before the input ended
// to its framing error.
func shortSizeError(n int) error {
	switch n {
	case 1:
		return ErrOneByteMessageSize
	case 2:
		return ErrTwoByteMessageSize
	default:
		return ErrThreeByteMessageSize
	}
}
