package lsp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// WebSocketServer implements ServerTransport as an http.Handler upgrading requests to
// WebSocket connections. Every text message carries exactly one JSON-RPC body; there is no
// Content-Length framing inside a WebSocket message.
type WebSocketServer struct {
	logger    *slog.Logger
	readLimit int64

	sessions  chan *wsSession
	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// WebSocketServerOption represents the options for the WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

// WebSocketClient implements ClientTransport by dialing a WebSocket URL.
type WebSocketClient struct {
	url       string
	logger    *slog.Logger
	readLimit int64
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type wsSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

var defaultWebSocketReadLimit int64 = 32 << 20

// WithWebSocketServerLogger sets the logger of the WebSocket server.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger
	}
}

// WithWebSocketServerReadLimit sets the maximum size of a received message.
func WithWebSocketServerReadLimit(limit int64) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.readLimit = limit
	}
}

// WithWebSocketClientLogger sets the logger of the WebSocket client.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger
	}
}

// NewWebSocketServer creates a WebSocket transport. Mount it on an HTTP server to accept
// connections.
func NewWebSocketServer(options ...WebSocketServerOption) *WebSocketServer {
	s := &WebSocketServer{
		logger:    slog.Default(),
		readLimit: defaultWebSocketReadLimit,
		sessions:  make(chan *wsSession),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "websocket"))

	return s
}

// NewWebSocketClient creates a client transport dialing url, for example "ws://127.0.0.1:2087".
func NewWebSocketClient(url string, options ...WebSocketClientOption) WebSocketClient {
	c := WebSocketClient{
		url:       url,
		logger:    slog.Default(),
		readLimit: defaultWebSocketReadLimit,
	}
	for _, opt := range options {
		opt(&c)
	}
	c.logger = c.logger.With(slog.String("package", "go-lsp"), slog.String("component", "websocket"))

	return c
}

// ServeHTTP implements http.Handler. The request is held open until its session stops.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("failed to accept websocket", slog.String("err", err.Error()))
		return
	}
	c.SetReadLimit(s.readLimit)

	sess := newWSSession(c, s.logger)
	defer sess.Stop()

	select {
	case s.sessions <- sess:
	case <-r.Context().Done():
		return
	case <-s.done:
		return
	}

	select {
	case <-sess.ctx.Done():
	case <-s.done:
	}
}

// Sessions implements the ServerTransport interface by yielding sessions as clients connect.
func (s *WebSocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close websocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface.
func (c WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(c.readLimit)

	return newWSSession(conn, c.logger), nil
}

func newWSSession(conn *websocket.Conn, logger *slog.Logger) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &wsSession{
		id:     id,
		conn:   conn,
		logger: logger.With(slog.String("sessionID", id)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *wsSession) ID() string { return s.id }

func (s *wsSession) Send(ctx context.Context, body []byte) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(ctx, websocket.MessageText, body); err != nil {
		return fmt.Errorf("failed to write websocket message: %w", err)
	}
	return nil
}

func (s *wsSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			mt, body, err := s.conn.Read(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil || websocket.CloseStatus(err) >= 0 {
					return
				}
				yield(nil, fmt.Errorf("failed to read websocket message: %w", err))
				return
			}
			if mt != websocket.MessageText {
				if !yield(nil, &FrameError{Reason: "binary websocket message"}) {
					return
				}
				continue
			}
			if !yield(body, nil) {
				return
			}
		}
	}
}

func (s *wsSession) Stop() {
	s.stopOnce.Do(func() {
		if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("failed to close websocket", slog.String("err", err.Error()))
		}
		s.cancel()
	})
}
