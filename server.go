package ingest

// Server authenticates tokens and resolves them to the Finder whose streams
// the token may write to. Whether different tokens share a Finder is up to
// the implementation.
//
// Auth returns ErrInvalidToken for an unrecognized token. Any other error is
// an implementation failure (for example a credential store being
// unreachable) and is reported to callers unchanged inside an *AuthError.
type Server[P, X any] interface {
	Auth(token []byte) (*Finder[P, X], error)
}

// AuthFunc adapts a function to the Server interface.
type AuthFunc[P, X any] func(token []byte) (*Finder[P, X], error)

// Auth calls f(token).
func (f AuthFunc[P, X]) Auth(token []byte) (*Finder[P, X], error) {
	return f(token)
}

// Consume authenticates msg's token against srv, looks up msg's id in the
// returned Finder, and pushes the timestamp and payload onto that stream.
//
// The error is one of:
//   - *AuthError, when srv.Auth fails or returns no Finder;
//   - ErrMissingID, when no stream is registered under the id;
//   - *PushError, when the stream rejects the push.
//
// Nothing is mutated unless the push itself is reached.
func Consume[P, X any](srv Server[P, X], msg Message[P]) error {
	finder, err := srv.Auth(msg.Header.Token)
	if err != nil {
		return &AuthError{Err: err}
	}
	if finder == nil {
		return &AuthError{Err: ErrInvalidToken}
	}

	stream, ok := finder.Get(msg.Header.ID)
	if !ok {
		return ErrMissingID
	}

	if err := stream.Push(msg.Header.Timestamp, msg.Payload); err != nil {
		return &PushError{Err: err}
	}
	return nil
}
