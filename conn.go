package ingest

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by NewConn.
var (
	// ErrInvalidServer is returned when no server is provided.
	ErrInvalidServer = errors.New("invalid server")
	// ErrInvalidDecoder is returned when no payload decoder is provided.
	ErrInvalidDecoder = errors.New("invalid payload decoder")
	// ErrConnectionClosed is returned by Run on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Default configuration values.
const (
	defaultBufferSize   = 64 * 1024
	defaultMaxFrameSize = 1024 * 1024
	defaultHeartbeat    = 30 * time.Second
)

// idleReader refreshes the read deadline before every read that has to go
// to the socket.
type idleReader struct {
	conn    *net.TCPConn
	reader  *bufio.Reader
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.reader.Buffered() == 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	return r.reader.Read(p)
}

// Conn runs a byte-mode Session over one TCP connection.
type Conn[P, X any] struct {
	rawConn *net.TCPConn
	session *Session[P, X]
	logger  Logger

	opts options

	consumed atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConn wraps conn so that frames read from it are parsed with dec and
// dispatched to server.
func NewConn[P, X any](conn *net.TCPConn, server Server[P, X], dec PayloadDecoder[P], opt ...Option) (*Conn[P, X], error) {
	if server == nil {
		return nil, ErrInvalidServer
	}
	if dec == nil {
		return nil, ErrInvalidDecoder
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	reader := &idleReader{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, opts.bufferSize),
		timeout: opts.heartbeat * 2,
	}

	return &Conn[P, X]{
		rawConn: conn,
		session: NewSession(server, io.Reader(reader), dec, MaxFrameSizeOption(uint32(opts.maxReadLength))),
		logger:  opts.logger,
		opts:    opts,
	}, nil
}

// checkOptions sets default values for unset connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 || uint64(opts.maxReadLength) > math.MaxUint32 {
		opts.maxReadLength = defaultMaxFrameSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onConsumed == nil {
		opts.onConsumed = func([]byte) {}
	}

	if opts.onError == nil {
		opts.onError = func(error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// Run reads and dispatches frames until the peer closes the connection, a
// framing error occurs, the error callback asks to disconnect, or ctx is
// canceled. The connection is closed when Run returns. A clean end of input
// returns nil.
func (c *Conn[P, X]) Run(ctx context.Context) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_frame_size", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		return c.readLoop(child)
	})

	// A blocked read only returns once the socket is closed.
	group.Go(func() error {
		<-child.Done()
		c.closeConn()
		return nil
	})

	err := group.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(),
			"consumed", c.consumed.Load(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr(), "consumed", c.consumed.Load())
	}

	return err
}

// Close stops Run and closes the underlying TCP connection.
// Safe to call multiple times.
func (c *Conn[P, X]) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn[P, X]) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn[P, X]) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Consumed returns the number of messages accepted so far.
func (c *Conn[P, X]) Consumed() int64 {
	return c.consumed.Load()
}

// IDs returns the ids of the streams this connection delivered to. Call it
// after Run has returned.
func (c *Conn[P, X]) IDs() [][]byte {
	return c.session.IDsToExtract()
}

// readLoop feeds frames through the session until it is done. The session
// is closed on return so that IDs never reads past the point Run stopped at.
func (c *Conn[P, X]) readLoop(ctx context.Context) error {
	defer c.session.Close()

	for {
		id, err := c.session.Next()
		if err == nil {
			c.consumed.Add(1)
			c.opts.onConsumed(id)
			continue
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Debug("frame error", "addr", c.Addr(), "error", err)
		if c.session.Done() || cutShort(err) || c.opts.onError(err) == Disconnect {
			return err
		}
	}
}

// cutShort reports whether err is a frame ended by the peer closing its
// side. Nothing follows end of input on a TCP stream.
func cutShort(err error) bool {
	var truncated *TruncatedError
	return errors.As(err, &truncated) ||
		errors.Is(err, ErrOneByteMessageSize) ||
		errors.Is(err, ErrTwoByteMessageSize) ||
		errors.Is(err, ErrThreeByteMessageSize)
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn[P, X]) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
