package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// ConnOption represents the options for a Conn.
type ConnOption func(*Conn)

// Conn is the dispatch core of one connection. It reads envelopes from a Session in arrival
// order, executes handlers under their HandlerKind, correlates responses to the requests it
// issued, and implements $/cancelRequest in both directions.
//
// A Conn is the context object handed to every handler: handlers use it to issue their own
// requests and notifications to the peer, to report progress, and to reach the workspace.
type Conn struct {
	session  Session
	resolver Resolver
	logger   *slog.Logger

	lifecycle *Lifecycle
	workspace *workspace.Workspace
	progress  *Progress
	pool      *workerPool
	handlers  sync.WaitGroup

	workers        int
	sendTimeout    time.Duration
	requestTimeout time.Duration
	verboseErrors  bool

	trace      atomic.Value
	initParams atomic.Pointer[InitializeParams]

	inflightMu sync.Mutex
	inflight   map[ID]*inflightRequest

	pendingMu sync.Mutex
	pending   map[ID]*pendingRequest
	closed    bool

	done chan struct{}
}

type inflightRequest struct {
	id      ID
	method  string
	cancel  context.CancelFunc
	replied atomic.Bool
}

type pendingRequest struct {
	method    string
	results   chan pendingResult
	abandoned bool
}

type pendingResult struct {
	msg JSONRPCMessage
	err error
}

var (
	defaultConnSendTimeout = 30 * time.Second
	defaultConnWorkers     = 4

	// ErrConnectionClosed is returned for requests pending on a connection whose transport ended.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestCancelled is returned for an outbound request cancelled by its caller or by
	// shutdown, and used internally for inbound requests cancelled by the peer.
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrRequestTimeout is returned for an outbound request that did not complete in time.
	ErrRequestTimeout = errors.New("request timeout")
)

// WithConnLogger sets the logger of the connection.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithWorkers sets the size of the worker pool executing ThreadPool handlers.
func WithWorkers(n int) ConnOption {
	return func(c *Conn) {
		c.workers = n
	}
}

// WithSendTimeout bounds each write to the transport.
func WithSendTimeout(timeout time.Duration) ConnOption {
	return func(c *Conn) {
		c.sendTimeout = timeout
	}
}

// WithRequestTimeout bounds every outbound request that carries no deadline of its own. Zero,
// the default, waits until the response arrives or the connection closes.
func WithRequestTimeout(timeout time.Duration) ConnOption {
	return func(c *Conn) {
		c.requestTimeout = timeout
	}
}

// WithVerboseErrors makes InternalError responses carry the handler's error text instead of a
// generic message.
func WithVerboseErrors() ConnOption {
	return func(c *Conn) {
		c.verboseErrors = true
	}
}

// WithLifecycle gates inbound messages through l.
func WithLifecycle(l *Lifecycle) ConnOption {
	return func(c *Conn) {
		c.lifecycle = l
	}
}

// WithWorkspace attaches the document workspace handlers reach through Conn.Workspace.
func WithWorkspace(ws *workspace.Workspace) ConnOption {
	return func(c *Conn) {
		c.workspace = ws
	}
}

// NewConn creates a connection over session that resolves inbound methods with resolver.
// The connection does nothing until Run is called.
func NewConn(session Session, resolver Resolver, options ...ConnOption) *Conn {
	c := &Conn{
		session:  session,
		resolver: resolver,
		logger:   slog.Default(),
		inflight: make(map[ID]*inflightRequest),
		pending:  make(map[ID]*pendingRequest),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.workers == 0 {
		c.workers = defaultConnWorkers
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultConnSendTimeout
	}
	c.logger = c.logger.With(slog.String("sessionID", session.ID()))
	c.pool = newWorkerPool(c.workers)
	c.progress = newProgress(c)
	c.trace.Store(TraceOff)

	return c
}

// ID returns the identifier of the underlying session.
func (c *Conn) ID() string {
	return c.session.ID()
}

// Workspace returns the document workspace, or nil when the connection has none.
func (c *Conn) Workspace() *workspace.Workspace {
	return c.workspace
}

// Progress returns the work-done progress registry of the connection.
func (c *Conn) Progress() *Progress {
	return c.progress
}

// State returns the lifecycle state. Connections without a lifecycle report StateInitialized
// until they are closed.
func (c *Conn) State() ConnState {
	if c.lifecycle != nil {
		return c.lifecycle.State()
	}
	select {
	case <-c.done:
		return StateExited
	default:
		return StateInitialized
	}
}

// InitializeParams returns the parameters the peer sent with initialize, or nil before that.
func (c *Conn) InitializeParams() *InitializeParams {
	return c.initParams.Load()
}

// Trace returns the current trace value set by the peer.
func (c *Conn) Trace() TraceValue {
	return c.trace.Load().(TraceValue)
}

// Done is closed once the connection has stopped reading and failed its pending requests.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run reads and dispatches messages until the session ends, the exit notification is
// processed, or ctx is canceled. It returns nil on a clean end of stream or exit, and the
// transport error otherwise. On return every request this side is still waiting for has failed
// with ErrConnectionClosed and every in-flight handler has observed cancellation and finished.
func (c *Conn) Run(ctx context.Context) error {
	baseCtx, baseCancel := context.WithCancel(ctx)
	defer baseCancel()

	stop := context.AfterFunc(ctx, c.session.Stop)
	defer stop()

	var runErr error
	for body, err := range c.session.Messages() {
		if err != nil {
			var frameErr *FrameError
			if errors.As(err, &frameErr) {
				c.logger.Error("dropping malformed frame", slog.String("err", err.Error()))
				continue
			}
			runErr = err
			break
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			c.handleDecodeError(err)
			continue
		}

		c.dispatch(baseCtx, msg)

		if c.lifecycle != nil && c.lifecycle.State() == StateExited {
			break
		}
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	c.teardown(baseCancel)

	return runErr
}

// Request sends a request to the peer and waits for its response, decoding the result into
// result unless result is nil. An error response is returned as a *JSONRPCError.
//
// When ctx is done, or the connection's request timeout expires, a $/cancelRequest is sent to
// the peer, the call fails with ErrRequestCancelled or ErrRequestTimeout, and the peer's late
// response is discarded when it arrives.
func (c *Conn) Request(ctx context.Context, method string, params, result any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// Go sends a request like Request but returns immediately; callback is invoked with the raw
// result or the error once the request completes. On a closed connection callback runs before
// Go returns, with ErrConnectionClosed.
func (c *Conn) Go(ctx context.Context, method string, params any, callback func(json.RawMessage, error)) {
	// Registering under pendingMu orders the Add before teardown waits on handlers.
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		if callback != nil {
			callback(nil, ErrConnectionClosed)
		}
		return
	}
	c.handlers.Add(1)
	c.pendingMu.Unlock()

	go func() {
		defer c.handlers.Done()
		raw, err := c.call(ctx, method, params)
		if callback != nil {
			callback(raw, err)
		}
	}()
}

// Notify sends a notification to the peer.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// LogTrace sends a $/logTrace notification when the peer enabled tracing. verbose is only
// included when the trace value is verbose.
func (c *Conn) LogTrace(ctx context.Context, message, verbose string) error {
	params := LogTraceParams{Message: message}
	switch c.Trace() {
	case TraceOff:
		return nil
	case TraceVerbose:
		params.Verbose = verbose
	}
	return c.Notify(ctx, MethodLogTrace, params)
}

// CancelPending fails every outbound request this side is waiting for with
// ErrRequestCancelled and asks the peer to cancel them.
func (c *Conn) CancelPending(ctx context.Context) {
	c.pendingMu.Lock()
	ids := make([]ID, 0, len(c.pending))
	for id, p := range c.pending {
		if p.abandoned {
			continue
		}
		p.abandoned = true
		p.results <- pendingResult{err: ErrRequestCancelled}
		ids = append(ids, id)
	}
	c.pendingMu.Unlock()

	for _, id := range ids {
		if err := c.Notify(ctx, MethodCancelRequest, CancelParams{ID: id}); err != nil {
			c.logger.Warn("failed to send cancel notification",
				slog.String("id", id.String()), slog.String("err", err.Error()))
		}
	}
}

func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := StringID(uuid.New().String())
	pr := &pendingRequest{method: method, results: make(chan pendingResult, 1)}

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = pr
	c.pendingMu.Unlock()

	if err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case res := <-pr.results:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
	}

	c.pendingMu.Lock()
	if p, ok := c.pending[id]; ok {
		p.abandoned = true
	}
	c.pendingMu.Unlock()

	// The cancel notification must not be bound to the context that just expired.
	nCtx, nCancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer nCancel()
	if err := c.Notify(nCtx, MethodCancelRequest, CancelParams{ID: id}); err != nil {
		c.logger.Warn("failed to send cancel notification",
			slog.String("id", id.String()), slog.String("err", err.Error()))
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrRequestCancelled, method, ctx.Err())
}

func (c *Conn) dispatch(ctx context.Context, msg JSONRPCMessage) {
	switch msg.Kind() {
	case KindResponse:
		c.handleResponse(msg)
	case KindNotification:
		c.handleNotification(ctx, msg)
	case KindRequest:
		c.handleRequest(ctx, msg)
	default:
		c.logger.Error("dropping invalid message", slog.Any("message", msg))
	}
}

func (c *Conn) handleNotification(ctx context.Context, msg JSONRPCMessage) {
	if msg.Method == MethodCancelRequest {
		c.handleCancel(msg.Params)
		return
	}

	if c.lifecycle != nil {
		if jErr := c.lifecycle.Admit(msg.Method, false); jErr != nil {
			c.logger.Debug("dropping notification",
				slog.String("method", msg.Method), slog.String("reason", jErr.Message))
			return
		}
	}

	h, err := c.resolver.Resolve(msg.Method, msg.Params)
	if err != nil {
		c.logger.Warn("ignoring notification without handler", slog.String("method", msg.Method))
		return
	}

	c.execute(ctx, h, msg, nil)
}

func (c *Conn) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	id := *msg.ID

	if c.lifecycle != nil {
		if jErr := c.lifecycle.Admit(msg.Method, true); jErr != nil {
			c.logger.Info("refusing request",
				slog.String("method", msg.Method),
				slog.String("id", id.String()),
				slog.String("reason", jErr.Message))
			c.sendError(id, jErr)
			return
		}
	}

	h, err := c.resolver.Resolve(msg.Method, msg.Params)
	if err != nil {
		c.sendError(id, &JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req := &inflightRequest{id: id, method: msg.Method, cancel: cancel}

	c.inflightMu.Lock()
	if _, dup := c.inflight[id]; dup {
		c.inflightMu.Unlock()
		cancel()
		c.logger.Error("rejecting duplicate request id", slog.String("id", id.String()))
		c.sendError(id, &JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("request id %s is already in flight", id),
		})
		return
	}
	c.inflight[id] = req
	c.inflightMu.Unlock()

	c.execute(reqCtx, h, msg, req)
}

func (c *Conn) execute(ctx context.Context, h Handler, msg JSONRPCMessage, req *inflightRequest) {
	var preResult any
	if h.Prelude != nil {
		res, err := c.invoke(ctx, h.Prelude, msg.Params)
		if err != nil || h.Func == nil {
			c.complete(msg.Method, req, res, err)
			return
		}
		preResult = res
	}
	if h.Func == nil {
		c.complete(msg.Method, req, nil, nil)
		return
	}

	run := func() {
		result, err := c.invoke(ctx, h.Func, msg.Params)
		if err == nil && preResult != nil {
			result = preResult
		}
		c.complete(msg.Method, req, result, err)
	}

	switch h.Kind {
	case Async:
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			run()
		}()
	case ThreadPool:
		c.pool.submit(ctx, run, func() {
			c.complete(msg.Method, req, nil, ErrRequestCancelled)
		})
	default:
		run()
	}
}

func (c *Conn) complete(method string, req *inflightRequest, result any, err error) {
	if req != nil {
		c.reply(req, result, err)
		return
	}
	if err != nil && !errors.Is(err, ErrRequestCancelled) {
		c.logger.Error("notification handler failed",
			slog.String("method", method), slog.String("err", err.Error()))
	}
}

func (c *Conn) invoke(ctx context.Context, fn HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, c, params)
}

// reply sends the one response of req. Later calls for the same request are dropped, which is
// what keeps a handler finishing after its cancellation from answering twice.
func (c *Conn) reply(req *inflightRequest, result any, err error) {
	if !req.replied.CompareAndSwap(false, true) {
		c.logger.Debug("dropping late completion",
			slog.String("method", req.method), slog.String("id", req.id.String()))
		return
	}

	c.inflightMu.Lock()
	delete(c.inflight, req.id)
	c.inflightMu.Unlock()
	req.cancel()

	resp := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: &req.id}
	if err != nil {
		resp.Error = c.wireError(req.method, err)
	} else {
		bs, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = c.wireError(req.method, fmt.Errorf("failed to marshal result: %w", mErr))
		} else {
			resp.Result = bs
		}
	}
	if resp.Error != nil && req.method == MethodInitialize && c.lifecycle != nil && c.lifecycle.InitializeFailed() {
		c.logger.Warn("initialize failed, awaiting a new initialize request",
			slog.Int("code", resp.Error.Code))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := c.send(ctx, resp); err != nil {
		c.logger.Error("failed to send result",
			slog.String("method", req.method), slog.String("err", err.Error()))
	}
}

func (c *Conn) wireError(method string, err error) *JSONRPCError {
	var jErr *JSONRPCError
	if errors.As(err, &jErr) {
		return jErr
	}
	var jErrValue JSONRPCError
	if errors.As(err, &jErrValue) {
		return &jErrValue
	}
	if errors.Is(err, ErrRequestCancelled) || errors.Is(err, context.Canceled) {
		return &JSONRPCError{Code: CodeRequestCancelled, Message: "request cancelled"}
	}

	c.logger.Error("handler failed", slog.String("method", method), slog.String("err", err.Error()))
	msg := "internal error"
	if c.verboseErrors {
		msg = err.Error()
	}
	return &JSONRPCError{Code: CodeInternalError, Message: msg}
}

func (c *Conn) handleCancel(params json.RawMessage) {
	var p CancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("ignoring malformed cancel notification", slog.String("err", err.Error()))
		return
	}

	c.inflightMu.Lock()
	req, ok := c.inflight[p.ID]
	c.inflightMu.Unlock()
	if !ok {
		c.logger.Warn("ignoring cancel for unknown request", slog.String("id", p.ID.String()))
		return
	}

	req.cancel()
	c.reply(req, nil, ErrRequestCancelled)
}

func (c *Conn) handleResponse(msg JSONRPCMessage) {
	id := *msg.ID

	c.pendingMu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("discarding response for unknown request", slog.String("id", id.String()))
		return
	}
	if pr.abandoned {
		c.logger.Debug("discarding late response",
			slog.String("method", pr.method), slog.String("id", id.String()))
		return
	}
	pr.results <- pendingResult{msg: msg}
}

func (c *Conn) handleDecodeError(err error) {
	c.logger.Error("failed to decode message", slog.String("err", err.Error()))

	var dErr *DecodeError
	if !errors.As(err, &dErr) {
		return
	}
	resp, ok := dErr.Response()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := c.send(ctx, resp); err != nil {
		c.logger.Error("failed to send decode error", slog.String("err", err.Error()))
	}
}

func (c *Conn) sendError(id ID, jErr *JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := c.send(ctx, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: &id, Error: jErr}); err != nil {
		c.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}

func (c *Conn) send(ctx context.Context, msg JSONRPCMessage) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	sCtx, sCancel := context.WithTimeout(ctx, c.sendTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, body); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Conn) teardown(baseCancel context.CancelFunc) {
	// In-flight handlers observe cancellation through their contexts.
	baseCancel()

	if c.lifecycle != nil && c.lifecycle.ForceExit() {
		c.logger.Warn("connection ended without exit notification")
	}

	c.pendingMu.Lock()
	c.closed = true
	for id, pr := range c.pending {
		if !pr.abandoned {
			pr.results <- pendingResult{err: ErrConnectionClosed}
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	close(c.done)

	c.handlers.Wait()
	c.pool.wait()
	c.progress.clear()
}

func (c *Conn) isClosed() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closed
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}
