package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the language client side of a connection. It uses the same dispatch core
// as the server: requests and notifications the server sends are resolved through the client's
// own feature registry, and requests issued by the client are correlated with their responses
// and cancelled with $/cancelRequest when their context is done.
//
// A Client must be created using NewClient and requires Connect to be called before any
// operations can be performed. The client should be closed using Close when it's no longer
// needed.
type Client struct {
	info      Info
	transport ClientTransport
	registry  *FeatureRegistry

	capabilities          json.RawMessage
	initializationOptions json.RawMessage
	rootURI               protocol.DocumentURI
	workspaceFolders      []protocol.WorkspaceFolder
	trace                 TraceValue

	writeTimeout time.Duration
	readTimeout  time.Duration
	workers      int
	logger       *slog.Logger

	mu                 sync.Mutex
	conn               *Conn
	session            Session
	serverInfo         Info
	serverCapabilities protocol.ServerCapabilities
	runErr             error
	runDone            chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second

	errClientNotConnected = errors.New("client is not connected")
)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientCapabilities sets the client capabilities sent with initialize.
func WithClientCapabilities(capabilities json.RawMessage) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithClientInitializationOptions sets the initializationOptions sent with initialize.
func WithClientInitializationOptions(options json.RawMessage) ClientOption {
	return func(c *Client) {
		c.initializationOptions = options
	}
}

// WithClientRootURI sets the workspace root sent with initialize.
func WithClientRootURI(root protocol.DocumentURI) ClientOption {
	return func(c *Client) {
		c.rootURI = root
	}
}

// WithClientWorkspaceFolders sets the workspace folders sent with initialize.
func WithClientWorkspaceFolders(folders ...protocol.WorkspaceFolder) ClientOption {
	return func(c *Client) {
		c.workspaceFolders = folders
	}
}

// WithClientTrace sets the initial trace value.
func WithClientTrace(trace TraceValue) ClientOption {
	return func(c *Client) {
		c.trace = trace
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets how long a request waits for the server's response when its
// context carries no deadline.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientWorkers sets the size of the worker pool executing ThreadPool handlers.
func WithClientWorkers(n int) ClientOption {
	return func(c *Client) {
		c.workers = n
	}
}

// NewClient creates a new language client with the specified identity and transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		registry:  NewFeatureRegistry(),
		logger:    slog.Default(),
		trace:     TraceOff,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.capabilities == nil {
		c.capabilities = json.RawMessage(`{}`)
	}
	c.logger = c.logger.With(slog.String("package", "go-lsp"), slog.String("component", "client"))

	return c
}

// Feature registers a handler for a method the server sends to the client, such as
// window/showMessage or client/registerCapability. Handlers must be registered before Connect.
func (c *Client) Feature(method string, kind HandlerKind, fn HandlerFunc) error {
	return c.registry.RegisterFeature(method, kind, nil, fn)
}

// Connect starts a session on the transport, begins dispatching server messages and performs
// the initialize/initialized handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.registry.Freeze()

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	options := []ConnOption{
		WithConnLogger(c.logger),
		WithSendTimeout(c.writeTimeout),
		WithRequestTimeout(c.readTimeout),
	}
	if c.workers > 0 {
		options = append(options, WithWorkers(c.workers))
	}
	conn := NewConn(sess, c.registry, options...)

	runDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.session = sess
	c.runDone = runDone
	c.mu.Unlock()

	go func() {
		defer close(runDone)
		err := conn.Run(context.Background())
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
	}()

	params := InitializeParams{
		ClientInfo:            &c.info,
		RootURI:               c.rootURI,
		Capabilities:          c.capabilities,
		InitializationOptions: c.initializationOptions,
		Trace:                 c.trace,
		WorkspaceFolders:      c.workspaceFolders,
	}
	var result InitializeResult
	if err := conn.Request(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	c.mu.Lock()
	c.serverCapabilities = result.Capabilities
	if result.ServerInfo != nil {
		c.serverInfo = *result.ServerInfo
	}
	c.mu.Unlock()

	if err := conn.Notify(ctx, MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("failed to send initialized: %w", err)
	}
	return nil
}

// Request sends a request to the server and decodes its result into result.
func (c *Client) Request(ctx context.Context, method string, params, result any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.Request(ctx, method, params, result)
}

// Notify sends a notification to the server.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.Notify(ctx, method, params)
}

// Shutdown sends the shutdown request.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Request(ctx, MethodShutdown, nil, nil)
}

// Exit sends the exit notification. The server closes the connection afterwards.
func (c *Client) Exit(ctx context.Context) error {
	return c.Notify(ctx, MethodExit, nil)
}

// Close stops the session and waits for the dispatch loop to finish. It returns the error the
// loop ended with, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	sess, runDone := c.session, c.runDone
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.Stop()
	<-runDone

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// ServerInfo returns the server information received during initialization.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during initialization.
func (c *Client) ServerCapabilities() protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// Conn returns the connection of the client, or nil before Connect.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) connection() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, errClientNotConnected
	}
	return c.conn, nil
}
