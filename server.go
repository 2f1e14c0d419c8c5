package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Language Server Protocol server. It owns the feature registry, serves the
// connections yielded by its transport one at a time, and handles the lifecycle and document
// synchronization methods itself before passing them on to user handlers registered for the
// same methods.
type Server struct {
	info      Info
	transport ServerTransport
	registry  *FeatureRegistry
	builtins  map[string]HandlerFunc

	syncKind       protocol.TextDocumentSyncKind
	strictSync     bool
	workers        int
	sendTimeout    time.Duration
	requestTimeout time.Duration
	verboseErrors  bool

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	capsOnce     sync.Once
	capabilities protocol.ServerCapabilities

	mu     sync.Mutex
	conn   *Conn
	cancel context.CancelFunc
	closed chan struct{}
}

var (
	defaultServerSyncKind    = protocol.TextDocumentSyncKindIncremental
	defaultServerSendTimeout = 30 * time.Second
	defaultServerWorkers     = 4
)

// NewServer creates a new language server with the specified identity and transport.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:      info,
		transport: transport,
		registry:  NewFeatureRegistry(),
		syncKind:  defaultServerSyncKind,
		logger:    slog.Default(),
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.workers == 0 {
		s.workers = defaultServerWorkers
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	s.logger = s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "server"))

	s.builtins = map[string]HandlerFunc{
		MethodInitialize:                Fn(s.initialize),
		MethodInitialized:               Proc(s.initialized),
		MethodShutdown:                  s.shutdown,
		MethodExit:                      s.exit,
		MethodSetTrace:                  Proc(s.setTrace),
		MethodWorkDoneProgressCancel:    Proc(s.cancelProgress),
		MethodTextDocumentDidOpen:       Proc(s.didOpen),
		MethodTextDocumentDidChange:     Proc(s.didChange),
		MethodTextDocumentDidClose:      Proc(s.didClose),
		MethodTextDocumentDidSave:       Proc(s.didSave),
		MethodWorkspaceDidChangeFolders: Proc(s.didChangeWorkspaceFolders),
	}

	return s
}

// WithServerLogger sets the logger for the server and its connections.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSyncKind sets how documents are synchronized. The default is incremental.
func WithSyncKind(kind protocol.TextDocumentSyncKind) ServerOption {
	return func(s *Server) {
		s.syncKind = kind
	}
}

// WithStrictSync rejects ranged document changes received under full sync instead of applying
// them as whole-document replacements.
func WithStrictSync() ServerOption {
	return func(s *Server) {
		s.strictSync = true
	}
}

// WithServerWorkers sets the size of the worker pool executing ThreadPool handlers.
func WithServerWorkers(n int) ServerOption {
	return func(s *Server) {
		s.workers = n
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerRequestTimeout bounds the requests the server sends to the client.
func WithServerRequestTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = timeout
	}
}

// WithServerVerboseErrors sends handler error messages to the client instead of a generic
// internal error message.
func WithServerVerboseErrors() ServerOption {
	return func(s *Server) {
		s.verboseErrors = true
	}
}

// WithServerOnClientConnected sets the callback for when a client completes initialize.
// The callback's parameter is the session ID and the client's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client session ends.
// The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// Feature registers a handler for method. See FeatureRegistry.RegisterFeature.
func (s *Server) Feature(method string, kind HandlerKind, options any, fn HandlerFunc) error {
	return s.registry.RegisterFeature(method, kind, options, fn)
}

// Command registers a workspace/executeCommand command. See FeatureRegistry.RegisterCommand.
func (s *Server) Command(name string, kind HandlerKind, fn CommandFunc) error {
	return s.registry.RegisterCommand(name, kind, fn)
}

// Registry returns the server's feature registry.
func (s *Server) Registry() *FeatureRegistry {
	return s.registry
}

// Capabilities returns the capabilities advertised in the initialize response. They are
// derived once, on first use, from the registered features.
func (s *Server) Capabilities() protocol.ServerCapabilities {
	s.capsOnce.Do(func() {
		caps := s.registry.Capabilities(s.syncKind)
		caps.Workspace = &protocol.ServerCapabilitiesWorkspace{
			WorkspaceFolders: &protocol.ServerCapabilitiesWorkspaceFolders{
				Supported:           true,
				ChangeNotifications: true,
			},
		}
		s.capabilities = caps
	})
	return s.capabilities
}

// Conn returns the connection being served, or nil between connections.
func (s *Server) Conn() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Resolve implements Resolver. Built-in handlers run as the prelude of user handlers registered
// for the same method.
func (s *Server) Resolve(method string, params json.RawMessage) (Handler, error) {
	builtin, hasBuiltin := s.builtins[method]
	h, err := s.registry.Resolve(method, params)
	switch {
	case hasBuiltin && err == nil:
		h.Prelude = builtin
		return h, nil
	case hasBuiltin:
		return Handler{Kind: Direct, Func: builtin}, nil
	default:
		return h, err
	}
}

// Serve freezes the registry and serves the sessions of the transport one at a time. It returns
// the process exit code once a session processed the exit notification: 0 when shutdown came
// first, 1 otherwise. When the transport runs out of sessions without an exit notification the
// exit code is 1.
//
// Serve returns ctx's error when ctx is canceled or Shutdown is called. Serve must be called
// only once.
func (s *Server) Serve(ctx context.Context) (int, error) {
	defer close(s.closed)

	s.registry.Freeze()
	s.Capabilities()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for sess := range s.transport.Sessions() {
		lc, err := s.serveSession(ctx, sess)
		if lc.ExitReceived() {
			return lc.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return 1, ctx.Err()
		}
		if err != nil {
			s.logger.Error("session ended with error",
				slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
		}
	}
	if ctx.Err() != nil {
		return 1, ctx.Err()
	}
	return 1, nil
}

// Shutdown stops the session being served and shuts the transport down. It waits for Serve to
// return, or for ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	if cancel == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

func (s *Server) serveSession(ctx context.Context, sess Session) (*Lifecycle, error) {
	lc := &Lifecycle{}

	wsOptions := []workspace.Option{workspace.WithLogger(s.logger)}
	if s.strictSync {
		wsOptions = append(wsOptions, workspace.WithStrictSync())
	}

	connOptions := []ConnOption{
		WithConnLogger(s.logger),
		WithLifecycle(lc),
		WithWorkspace(workspace.New(s.syncKind, wsOptions...)),
		WithWorkers(s.workers),
		WithSendTimeout(s.sendTimeout),
		WithRequestTimeout(s.requestTimeout),
	}
	if s.verboseErrors {
		connOptions = append(connOptions, WithVerboseErrors())
	}
	conn := NewConn(sess, s, connOptions...)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("serving session", slog.String("sessionID", sess.ID()))
	err := conn.Run(ctx)
	sess.Stop()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	if s.onClientDisconnected != nil {
		s.onClientDisconnected(sess.ID())
	}
	s.logger.Info("session ended",
		slog.String("sessionID", sess.ID()), slog.String("state", lc.State().String()))

	return lc, err
}

func (s *Server) initialize(_ context.Context, conn *Conn, params InitializeParams) (InitializeResult, error) {
	conn.initParams.Store(&params)
	if params.Trace != "" {
		conn.trace.Store(params.Trace)
	}

	ws := conn.Workspace()
	if params.RootURI != "" {
		ws.SetRootURI(params.RootURI)
	}
	for _, folder := range params.WorkspaceFolders {
		ws.AddFolder(folder)
	}

	clientInfo := Info{}
	if params.ClientInfo != nil {
		clientInfo = *params.ClientInfo
	}
	s.logger.Info("initializing",
		slog.String("sessionID", conn.ID()),
		slog.String("client", clientInfo.Name),
		slog.String("clientVersion", clientInfo.Version))
	if s.onClientConnected != nil {
		s.onClientConnected(conn.ID(), clientInfo)
	}

	return InitializeResult{
		Capabilities: s.Capabilities(),
		ServerInfo:   &s.info,
	}, nil
}

func (s *Server) initialized(context.Context, *Conn, struct{}) error {
	return nil
}

func (s *Server) shutdown(ctx context.Context, conn *Conn, _ json.RawMessage) (any, error) {
	conn.CancelPending(ctx)
	return nil, nil
}

func (s *Server) exit(_ context.Context, conn *Conn, _ json.RawMessage) (any, error) {
	s.logger.Info("exit received", slog.String("sessionID", conn.ID()))
	return nil, nil
}

func (s *Server) setTrace(_ context.Context, conn *Conn, params SetTraceParams) error {
	conn.trace.Store(params.Value)
	return nil
}

func (s *Server) cancelProgress(_ context.Context, conn *Conn, params WorkDoneProgressCancelParams) error {
	conn.Progress().Cancel(params.Token)
	return nil
}

func (s *Server) didOpen(_ context.Context, conn *Conn, params protocol.DidOpenTextDocumentParams) error {
	conn.Workspace().PutDocument(params.TextDocument)
	return nil
}

func (s *Server) didChange(_ context.Context, conn *Conn, params DidChangeTextDocumentParams) error {
	ws := conn.Workspace()
	for _, change := range params.ContentChanges {
		if err := ws.ApplyChange(params.TextDocument.URI, params.TextDocument.Version, change); err != nil {
			return fmt.Errorf("failed to apply change: %w", err)
		}
	}
	return nil
}

func (s *Server) didClose(_ context.Context, conn *Conn, params protocol.DidCloseTextDocumentParams) error {
	conn.Workspace().RemoveDocument(params.TextDocument.URI)
	return nil
}

func (s *Server) didSave(_ context.Context, conn *Conn, params protocol.DidSaveTextDocumentParams) error {
	if params.Text == "" {
		return nil
	}
	return conn.Workspace().SaveDocument(params.TextDocument.URI, params.Text)
}

func (s *Server) didChangeWorkspaceFolders(_ context.Context, conn *Conn, params DidChangeWorkspaceFoldersParams) error {
	ws := conn.Workspace()
	for _, folder := range params.Event.Removed {
		ws.RemoveFolder(folder)
	}
	for _, folder := range params.Event.Added {
		ws.AddFolder(folder)
	}
	return nil
}
