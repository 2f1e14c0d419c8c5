package lsp

import (
	"fmt"
	"sync/atomic"
)

// ConnState is the lifecycle state of a server connection.
type ConnState int32

const (
	StateUninitialized ConnState = iota
	StateInitializing
	StateInitialized
	StateShuttingDown
	StateExited
)

// Lifecycle is the server connection state machine. Every transition is applied with a single
// compare-and-swap, so two messages can never race the same transition.
type Lifecycle struct {
	state atomic.Int32
	// clean is set when exit followed shutdown.
	clean atomic.Bool
	// exitReceived is set by the exit notification, as opposed to ForceExit.
	exitReceived atomic.Bool
}

// State returns the current state.
func (l *Lifecycle) State() ConnState {
	return ConnState(l.state.Load())
}

// Admit gates an inbound message before its handler is resolved, applying the transition the
// message triggers. It returns nil when the message may be dispatched. For a request that must
// be refused it returns the error to answer with; for a notification that must be dropped it
// returns a non-nil error which the caller only logs.
func (l *Lifecycle) Admit(method string, isRequest bool) *JSONRPCError {
	if method == MethodExit && !isRequest {
		prev := ConnState(l.state.Swap(int32(StateExited)))
		if prev == StateExited {
			return notAdmitted(CodeInvalidRequest, "connection already exited")
		}
		l.clean.Store(prev == StateShuttingDown)
		l.exitReceived.Store(true)
		return nil
	}

	switch method {
	case MethodInitialize:
		if !isRequest {
			return notAdmitted(CodeInvalidRequest, "initialize must be a request")
		}
		if !l.transition(StateUninitialized, StateInitializing) {
			return notAdmitted(CodeInvalidRequest, fmt.Sprintf("initialize received in state %s", l.State()))
		}
		return nil
	case MethodInitialized:
		if !l.transition(StateInitializing, StateInitialized) {
			return notAdmitted(CodeInvalidRequest, fmt.Sprintf("initialized received in state %s", l.State()))
		}
		return nil
	case MethodShutdown:
		if isRequest && l.transition(StateInitialized, StateShuttingDown) {
			return nil
		}
	}

	switch st := l.State(); st {
	case StateUninitialized, StateInitializing:
		return notAdmitted(CodeServerNotInitialized, fmt.Sprintf("server not initialized, state %s", st))
	case StateInitialized:
		return nil
	default:
		return notAdmitted(CodeInvalidRequest, fmt.Sprintf("%s received in state %s", method, st))
	}
}

// ForceExit moves the connection to StateExited after a transport failure. It reports whether
// the state changed.
func (l *Lifecycle) ForceExit() bool {
	for {
		cur := l.state.Load()
		if ConnState(cur) == StateExited {
			return false
		}
		if l.state.CompareAndSwap(cur, int32(StateExited)) {
			return true
		}
	}
}

// InitializeFailed returns the connection to StateUninitialized after the initialize request
// was answered with an error, so the client may send initialize again. It reports whether the
// state changed.
func (l *Lifecycle) InitializeFailed() bool {
	return l.transition(StateInitializing, StateUninitialized)
}

// ExitReceived reports whether the exit notification was processed.
func (l *Lifecycle) ExitReceived() bool {
	return l.exitReceived.Load()
}

// ExitCode returns the process exit code: 0 when exit followed shutdown, 1 otherwise.
func (l *Lifecycle) ExitCode() int {
	if l.State() == StateExited && l.clean.Load() {
		return 0
	}
	return 1
}

func (l *Lifecycle) transition(from, to ConnState) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

func notAdmitted(code int, msg string) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: msg}
}

func (s ConnState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting-down"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}
