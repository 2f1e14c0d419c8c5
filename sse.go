package lsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) transport. Server-to-client
// messages are streamed as SSE "message" events, client-to-server messages are HTTP POSTs to
// the endpoint announced in the initial "endpoint" event. Each SSE body carries exactly one
// JSON-RPC envelope, without Content-Length headers.
//
// The server provides its HandleSSE and HandleMessage http.Handlers, which can be integrated
// with any HTTP framework. Instances should be created using NewSSEServer and shut down using
// Shutdown when no longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions chan *sseServerSession

	mu     sync.Mutex
	active map[string]*sseServerSession

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements ClientTransport for an SSEServer.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan []byte
	logger       *slog.Logger

	stopOnce   sync.Once
	done       chan struct{}
	sendClosed chan struct{}
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	body       io.ReadCloser
	logger     *slog.Logger

	messages chan []byte
	stopOnce sync.Once
	done     chan struct{}
}

// WithSSEServerLogger sets the logger of the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// NewSSEServer creates a new SSE server announcing messageURL as the POST endpoint to its
// clients. The server is immediately operational upon creation.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan *sseServerSession),
		active:     make(map[string]*sseServerSession),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "sse"))

	return s
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "sse"))

	return s
}

// Sessions implements the ServerTransport interface by yielding sessions as clients connect.
// A client connecting while another session is being served waits until it is picked up.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. Open SSE streams are closed and the call
// blocks until the Sessions iteration ends.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the session stops, the client disconnects or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE", slog.String("err", err.Error()))
			return
		}

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan []byte),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
		}

		s.mu.Lock()
		s.active[sessID] = srvSession
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.active, sessID)
			s.mu.Unlock()
		}()

		select {
		case s.sessions <- srvSession:
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}

		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			srvSession.Stop()
		case <-s.done:
			srvSession.Stop()
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-RPC body, which is
// routed to the corresponding session. The request completes once the session took the body.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		sess, ok := s.active[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.logger.Warn("failed to read message", slog.String("err", err.Error()))
			http.Error(w, "failed to read message", http.StatusBadRequest)
			return
		}

		select {
		case sess.receivedMsgs <- body:
		case <-sess.done:
			http.Error(w, "session closed", http.StatusGone)
		case <-r.Context().Done():
		}
	})
}

// StartSession implements the ClientTransport interface. It opens the SSE stream and waits for
// the endpoint event before returning the session.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	// The stream outlives ctx, which only bounds the connection setup.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, s.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		body:       resp.Body,
		logger:     s.logger,
		messages:   make(chan []byte),
		done:       make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listenSSEMessages(s.maxPayloadSize, ready)

	select {
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	}

	return sess, nil
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, body []byte) error {
	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(body))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid race in the sse library.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case body := <-s.receivedMsgs:
				if !yield(body, nil) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.sendClosed
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		}
	}
}

func (s *sseClientSession) ID() string { return s.id }

// Send transmits a message body to the server through an HTTP POST request.
func (s *sseClientSession) Send(ctx context.Context, body []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseClientSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case <-s.done:
				return
			case body, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(body, nil) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}

func (s *sseClientSession) listenSSEMessages(maxPayloadSize int, ready chan<- error) {
	defer close(s.messages)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	announced := false
	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			if !announced {
				ready <- fmt.Errorf("failed to read endpoint: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if announced {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("failed to parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			announced = true
			ready <- nil
		case "message":
			if !announced {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case s.messages <- []byte(ev.Data):
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", slog.String("type", ev.Type))
		}
	}
	if !announced {
		ready <- errors.New("stream closed before endpoint event")
	}
}
