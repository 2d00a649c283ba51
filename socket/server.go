package socket

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling incoming TCP connections.
// Implementations should handle the connection lifecycle and message processing.
type Handler interface {
	// Handle is called in its own goroutine for each new connection.
	// The server treats the connection as in flight until Handle returns.
	Handle(conn *net.TCPConn)
}

// Server represents a TCP server that listens for incoming connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	handlers sync.WaitGroup

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // closed by Close to skip the drain
	closeOnce   sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled the server stops accepting and then waits up
// to this duration for running handlers to return. Handlers built with
// NewMessageHandler on the same context drain on their own.
// Default is 0 (return as soon as the listener is closed).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Listen resolves a "host:port" address and calls New.
func Listen(address string, opts ...ServerOption) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	return New(addr, opts...)
}

// Serve starts accepting connections and dispatching them to the handler.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled it stops accepting new connections and, if
// ServerShutdownTimeoutOption is set, waits up to that long for handlers to
// finish. Call Close() to skip the wait.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	// Start a goroutine to handle context cancellation
	go func() {
		<-ctx.Done()

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.drain()
				_ = s.listener.Close()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			handler.Handle(conn)
		}()
	}
}

// drain waits for running handlers, bounded by the shutdown timeout.
func (s *Server) drain() {
	if s.shutdownTimeout <= 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("shutdown timeout expired with handlers still running")
	case <-s.shutdownNow:
		s.logger.Debug("shutdown drain bypassed via Close()")
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown drain is in progress, Close() ends it.
// Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.shutdownNow) })

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
