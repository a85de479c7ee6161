package ingest

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming TCP connections.
type Handler interface {
	// Handle is called in its own goroutine for each accepted connection.
	// ctx is canceled when the listener shuts down; Handle should return
	// promptly after that.
	Handle(ctx context.Context, conn *net.TCPConn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *net.TCPConn)

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn *net.TCPConn) {
	f(ctx, conn)
}

// Listener accepts TCP connections and hands them to a Handler.
type Listener struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // cuts the shutdown grace period short
	handlers    sync.WaitGroup
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// ListenerLoggerOption sets the logger for the listener.
func ListenerLoggerOption(logger Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// ListenerShutdownTimeoutOption sets how long running handlers may keep
// draining their connections after shutdown begins. When it expires the
// handlers' context is canceled. Default is 0: handlers are canceled as soon
// as the listener stops accepting.
func ListenerShutdownTimeoutOption(timeout time.Duration) ListenerOption {
	return func(l *Listener) {
		l.shutdownTimeout = timeout
	}
}

// Listen binds a Listener to addr.
func Listen(addr *net.TCPAddr, opts ...ListenerOption) (*Listener, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	l := &Listener{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Serve accepts connections and dispatches each to handler in a new
// goroutine. It blocks until ctx is canceled, Close is called, or accepting
// fails. Before returning it stops accepting, waits for running handlers (up
// to the shutdown timeout, then cancels them) and waits again for them to
// return. It returns ctx.Err() after a context shutdown, nil after Close.
func (l *Listener) Serve(ctx context.Context, handler Handler) error {
	l.logger.Info("listener started", "addr", l.Addr())

	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}

		l.mu.Lock()
		l.shutdown = true
		l.mu.Unlock()
		// Unblock Accept.
		_ = l.listener.SetDeadline(time.Now())
	}()

	var serveErr error
	for {
		conn, err := l.listener.AcceptTCP()
		if err != nil {
			if l.isShutdown() {
				serveErr = ctx.Err()
				break
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.logger.Error("accept error", "error", err)
			serveErr = err
			break
		}

		l.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		l.handlers.Add(1)
		go func() {
			defer l.handlers.Done()
			handler.Handle(handlerCtx, conn)
		}()
	}

	l.drain(cancelHandlers)
	l.logger.Info("listener stopped", "addr", l.Addr())
	return serveErr
}

// drain waits for running handlers, canceling them once the shutdown
// timeout expires or Close is called.
func (l *Listener) drain(cancelHandlers context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		l.handlers.Wait()
		close(done)
	}()

	if l.shutdownTimeout > 0 {
		l.logger.Info("graceful shutdown initiated", "timeout", l.shutdownTimeout)
		select {
		case <-done:
			return
		case <-time.After(l.shutdownTimeout):
		case <-l.shutdownNow:
			l.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	cancelHandlers()
	<-done
}

func (l *Listener) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Close stops accepting connections and skips any remaining shutdown grace
// period. Serve still waits for handlers to return.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()

	select {
	case l.shutdownNow <- struct{}{}:
	default:
	}

	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
