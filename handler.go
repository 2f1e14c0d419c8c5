package lsp

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Fn adapts a typed request handler to a HandlerFunc. Params that fail to decode into I are
// answered with an InvalidParams error and fn is not called.
func Fn[I, O any](fn func(ctx context.Context, conn *Conn, params I) (O, error)) HandlerFunc {
	return func(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
		in := new(I)
		if err := decodeParams(raw, in); err != nil {
			return nil, err
		}
		return fn(ctx, conn, *in)
	}
}

// Proc adapts a typed notification handler to a HandlerFunc.
func Proc[I any](fn func(ctx context.Context, conn *Conn, params I) error) HandlerFunc {
	return func(ctx context.Context, conn *Conn, raw json.RawMessage) (any, error) {
		in := new(I)
		if err := decodeParams(raw, in); err != nil {
			return nil, err
		}
		return nil, fn(ctx, conn, *in)
	}
}

// Cmd adapts a command taking a single typed argument. A command invoked without arguments
// receives the zero value of I.
func Cmd[I, O any](fn func(ctx context.Context, conn *Conn, arg I) (O, error)) CommandFunc {
	return func(ctx context.Context, conn *Conn, args []json.RawMessage) (any, error) {
		in := new(I)
		if len(args) > 0 {
			if err := decodeParams(args[0], in); err != nil {
				return nil, err
			}
		}
		return fn(ctx, conn, *in)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}
	return nil
}
