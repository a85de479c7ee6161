package ingest

import (
	"time"
)

// ErrorAction defines the action to take when a frame fails.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue drops the failed frame and reads the next one.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	onConsumed func(id []byte)
	// onError is called for frames that failed to parse or were rejected by
	// the server. Errors that break framing always close the connection.
	onError func(error) ErrorAction

	bufferSize    int           // size of the buffered reader
	maxReadLength int           // maximum size of a single frame
	heartbeat     time.Duration // idle read timeout is heartbeat * 2
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption sets the size of the buffered reader in front of the
// socket.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption sets the heartbeat interval. A connection that sends
// nothing for twice this long is closed.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize sets the largest frame the connection accepts. A larger
// size prefix closes the connection with a *FrameTooLargeError.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption sets the callback for per-frame errors (*ParseError and
// *ConsumeError). Return Disconnect to close the connection, or Continue to
// skip the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnConsumedOption sets a callback invoked with the id of every message the
// server accepted. The id is owned by the callee.
func OnConsumedOption(cb func(id []byte)) Option {
	return func(o *options) {
		o.onConsumed = cb
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
