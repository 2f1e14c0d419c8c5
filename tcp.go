package lsp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TCPServer implements ServerTransport over a TCP listener using Content-Length framing.
//
// Connections are served one at a time: the next connection is accepted only after the
// session of the previous one has been stopped.
type TCPServer struct {
	listener net.Listener
	logger   *slog.Logger
	maxSize  int

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// TCPServerOption represents the options for the TCPServer.
type TCPServerOption func(*TCPServer)

// TCPClient implements ClientTransport by dialing a TCP address. Dialing is retried with
// exponential backoff, so the client may be started before the server is listening.
type TCPClient struct {
	addr        string
	logger      *slog.Logger
	maxSize     int
	dialTimeout time.Duration
}

// TCPClientOption represents the options for the TCPClient.
type TCPClientOption func(*TCPClient)

var defaultTCPDialTimeout = 10 * time.Second

// WithTCPServerLogger sets the logger of the TCP server transport.
func WithTCPServerLogger(logger *slog.Logger) TCPServerOption {
	return func(s *TCPServer) {
		s.logger = logger
	}
}

// WithTCPServerMaxMessageSize limits the size of a received message body. Zero or less
// removes the limit.
func WithTCPServerMaxMessageSize(size int) TCPServerOption {
	return func(s *TCPServer) {
		s.maxSize = size
	}
}

// WithTCPClientLogger sets the logger of the TCP client transport.
func WithTCPClientLogger(logger *slog.Logger) TCPClientOption {
	return func(c *TCPClient) {
		c.logger = logger
	}
}

// WithTCPClientMaxMessageSize limits the size of a received message body. Zero or less
// removes the limit.
func WithTCPClientMaxMessageSize(size int) TCPClientOption {
	return func(c *TCPClient) {
		c.maxSize = size
	}
}

// WithTCPDialTimeout bounds the total time spent retrying the dial.
func WithTCPDialTimeout(timeout time.Duration) TCPClientOption {
	return func(c *TCPClient) {
		c.dialTimeout = timeout
	}
}

// NewTCPServer listens on addr, for example "127.0.0.1:2087". Use port 0 to pick a free port
// and Addr to read it back.
func NewTCPServer(addr string, options ...TCPServerOption) (*TCPServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return NewTCPServerFromListener(l, options...), nil
}

// NewTCPServerFromListener creates a TCPServer accepting on l.
func NewTCPServerFromListener(l net.Listener, options ...TCPServerOption) *TCPServer {
	s := &TCPServer{
		listener: l,
		logger:   slog.Default(),
		maxSize:  defaultMaxMessageSize,
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "tcp"))

	return s
}

// Addr returns the listening address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Sessions implements the ServerTransport interface. It accepts one connection, yields its
// session and waits for the session to stop before accepting the next.
func (s *TCPServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.done:
				default:
					s.logger.Error("failed to accept connection", slog.String("err", err.Error()))
				}
				return
			}

			s.logger.Info("accepted connection", slog.String("remote", conn.RemoteAddr().String()))
			sess := newStreamSession(conn, conn, conn, s.logger, s.maxSize)
			if !yield(sess) {
				sess.Stop()
				return
			}
			select {
			case <-sess.done:
			case <-s.done:
				sess.Stop()
				return
			}
		}
	}
}

// Shutdown implements the ServerTransport interface by closing the listener and waiting for the
// Sessions iteration to end.
func (s *TCPServer) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.listener.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// NewTCPClient creates a client transport dialing addr.
func NewTCPClient(addr string, options ...TCPClientOption) TCPClient {
	c := TCPClient{
		addr:        addr,
		logger:      slog.Default(),
		dialTimeout: defaultTCPDialTimeout,
		maxSize:     defaultMaxMessageSize,
	}
	for _, opt := range options {
		opt(&c)
	}
	c.logger = c.logger.With(slog.String("package", "go-lsp"), slog.String("component", "tcp"))

	return c
}

// StartSession implements the ClientTransport interface. The dial is retried until it succeeds,
// the dial timeout elapses or ctx is canceled.
func (c TCPClient) StartSession(ctx context.Context) (Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = c.dialTimeout

	var dialer net.Dialer
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("dial failed, retrying",
			slog.String("addr", c.addr), slog.Duration("next", next), slog.String("err", err.Error()))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.addr, err)
	}

	return newStreamSession(conn, conn, conn, c.logger, c.maxSize), nil
}
