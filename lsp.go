package lsp

import (
	"context"
	"iter"

	"github.com/segmentio/encoding/json"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields client sessions as they are established. The
	// server serves one session at a time: the iterator is resumed only after the previously
	// yielded session has been stopped.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport's resources. The caller stops every session it received
	// before calling this method, and calls it only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession connects to the server and returns the established session. Operations are
	// canceled when the context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session is a bidirectional byte channel carrying complete message bodies. Framing is the
// session's concern; the bodies are serialized JSON-RPC envelopes.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits one message body. Concurrent calls are serialized so bodies never
	// interleave on the wire.
	Send(ctx context.Context, body []byte) error

	// Messages returns an iterator over the received message bodies, in arrival order. A
	// non-nil error paired with a nil body is either a *FrameError, after which the iteration
	// continues, or a fatal transport error, after which it ends. A clean end of stream ends
	// the iteration without an error.
	Messages() iter.Seq2[[]byte, error]

	// Stop closes the session. The caller is guaranteed to call this method once.
	Stop()
}

// HandlerKind selects how the dispatch core executes a handler.
type HandlerKind int

const (
	// Direct handlers run inline on the dispatch loop. Message N+1 is not dispatched until a
	// direct handler for message N returns, so they must be fast.
	Direct HandlerKind = iota
	// Async handlers run on their own goroutine and never block dispatch.
	Async
	// ThreadPool handlers run on the connection's bounded worker pool.
	ThreadPool
)

// HandlerFunc handles one request or notification. The returned value is marshaled as the
// result of a request and ignored for notifications.
//
// ctx is canceled when the peer cancels the request or the connection ends. A handler that
// returns a *JSONRPCError has it sent verbatim; any other error becomes an InternalError, or a
// RequestCancelled error if ctx was canceled.
type HandlerFunc func(ctx context.Context, conn *Conn, params json.RawMessage) (any, error)

// CommandFunc executes one workspace/executeCommand command with its raw arguments.
type CommandFunc func(ctx context.Context, conn *Conn, args []json.RawMessage) (any, error)

// Resolver maps an inbound method to its handler. params are passed along for methods that
// multiplex several handlers, such as workspace/executeCommand.
type Resolver interface {
	Resolve(method string, params json.RawMessage) (Handler, error)
}

// Handler is a handler together with its execution mode.
type Handler struct {
	Kind HandlerKind
	Func HandlerFunc

	// Prelude, if set, runs inline on the dispatch loop before Func is scheduled. An error from
	// Prelude completes the message without calling Func. A non-nil Prelude result is the
	// response of a request, Func's result is then discarded.
	Prelude HandlerFunc
}

func (k HandlerKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Async:
		return "async"
	case ThreadPool:
		return "thread-pool"
	default:
		return "unknown"
	}
}
