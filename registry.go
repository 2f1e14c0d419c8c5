package lsp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// FeatureRegistry maps protocol method names and command names to their handlers.
//
// Registration happens during setup, before any connection is served, and is not safe for
// concurrent use. Once Freeze is called the registry is read-only and safe for concurrent
// lookups from every dispatch goroutine.
type FeatureRegistry struct {
	features map[string]feature
	commands map[string]command
	frozen   atomic.Bool
}

type command struct {
	kind HandlerKind
	fn   CommandFunc
}

type feature struct {
	handler Handler
	options any
}

var (
	// ErrDuplicateRegistration is returned when a method or command is registered twice.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrUnknownMethod is returned by Resolve for a method without a handler.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrRegistryFrozen is returned when registering after the registry started serving.
	ErrRegistryFrozen = errors.New("registry is frozen")
	// ErrInvalidOptions is returned when registration options have the wrong type for the method.
	ErrInvalidOptions = errors.New("invalid registration options")
)

// NewFeatureRegistry creates an empty registry.
func NewFeatureRegistry() *FeatureRegistry {
	return &FeatureRegistry{
		features: make(map[string]feature),
		commands: make(map[string]command),
	}
}

// RegisterFeature registers fn to handle method under the given execution mode. options are the
// method's registration options used for capability derivation, for example
// *protocol.CompletionOptions for textDocument/completion; nil selects the defaults.
func (r *FeatureRegistry) RegisterFeature(method string, kind HandlerKind, options any, fn HandlerFunc) error {
	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, method)
	}
	if method == "" || fn == nil {
		return fmt.Errorf("method name and handler are required")
	}
	if !validKind(kind) {
		return fmt.Errorf("unknown handler kind %d for %q", kind, method)
	}
	if _, ok := r.features[method]; ok {
		return fmt.Errorf("%w: feature %q", ErrDuplicateRegistration, method)
	}
	if err := validateOptions(method, options); err != nil {
		return err
	}
	r.features[method] = feature{
		handler: Handler{Kind: kind, Func: fn},
		options: options,
	}
	return nil
}

// RegisterCommand registers fn as the workspace/executeCommand implementation of name, executed
// under kind. Commands live in their own namespace, separate from protocol methods.
func (r *FeatureRegistry) RegisterCommand(name string, kind HandlerKind, fn CommandFunc) error {
	if r.frozen.Load() {
		return fmt.Errorf("%w: cannot register command %q", ErrRegistryFrozen, name)
	}
	if name == "" || fn == nil {
		return fmt.Errorf("command name and handler are required")
	}
	if !validKind(kind) {
		return fmt.Errorf("unknown handler kind %d for command %q", kind, name)
	}
	if _, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: command %q", ErrDuplicateRegistration, name)
	}
	r.commands[name] = command{kind: kind, fn: fn}
	return nil
}

// Resolve returns the handler registered for method, or an error wrapping ErrUnknownMethod.
//
// workspace/executeCommand resolves to the registered command named in params, unless a
// feature handler was registered for the method itself. A command that is not registered
// resolves to a handler answering InvalidParams.
func (r *FeatureRegistry) Resolve(method string, params json.RawMessage) (Handler, error) {
	if f, ok := r.features[method]; ok {
		return f.handler, nil
	}
	if method == MethodWorkspaceExecuteCommand {
		return r.resolveCommand(params), nil
	}
	return Handler{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

// Command returns the handler registered for the command name.
func (r *FeatureRegistry) Command(name string) (CommandFunc, bool) {
	cmd, ok := r.commands[name]
	return cmd.fn, ok
}

// Has reports whether method has a registered handler.
func (r *FeatureRegistry) Has(method string) bool {
	_, ok := r.features[method]
	return ok
}

// Options returns the registration options of method.
func (r *FeatureRegistry) Options(method string) any {
	return r.features[method].options
}

// Methods returns the registered method names in sorted order.
func (r *FeatureRegistry) Methods() []string {
	methods := make([]string, 0, len(r.features))
	for m := range r.features {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// Commands returns the registered command names in sorted order.
func (r *FeatureRegistry) Commands() []string {
	cmds := make([]string, 0, len(r.commands))
	for c := range r.commands {
		cmds = append(cmds, c)
	}
	slices.Sort(cmds)
	return cmds
}

// Freeze closes the registry for registration.
func (r *FeatureRegistry) Freeze() {
	r.frozen.Store(true)
}

type executeCommandParams struct {
	Command   string            `json:"command"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

func (r *FeatureRegistry) resolveCommand(params json.RawMessage) Handler {
	var p executeCommandParams
	if err := decodeParams(params, &p); err != nil {
		return failingHandler(err)
	}
	cmd, ok := r.commands[p.Command]
	if !ok {
		return failingHandler(&JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("unknown command: %q", p.Command),
		})
	}
	return Handler{
		Kind: cmd.kind,
		Func: func(ctx context.Context, conn *Conn, _ json.RawMessage) (any, error) {
			return cmd.fn(ctx, conn, p.Arguments)
		},
	}
}

func failingHandler(err error) Handler {
	return Handler{
		Kind: Direct,
		Func: func(context.Context, *Conn, json.RawMessage) (any, error) {
			return nil, err
		},
	}
}

func validKind(kind HandlerKind) bool {
	return kind >= Direct && kind <= ThreadPool
}

func validateOptions(method string, options any) error {
	if options == nil {
		return nil
	}
	ok := true
	switch method {
	case MethodTextDocumentCompletion:
		_, ok = options.(*protocol.CompletionOptions)
	case MethodTextDocumentSignatureHelp:
		_, ok = options.(*protocol.SignatureHelpOptions)
	case MethodTextDocumentDidSave:
		_, ok = options.(*protocol.SaveOptions)
	}
	if !ok {
		return fmt.Errorf("%w: %T for %q", ErrInvalidOptions, options, method)
	}
	return nil
}
