package lsp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Progress tracks the work-done progress tokens of a connection and reports on them.
//
// A token becomes live through Create (server-initiated) or Begin (for a token the client
// supplied with its request), and is retired by End. The client may cancel a live token with
// window/workDoneProgress/cancel; handlers poll IsCancelled to honor it.
type Progress struct {
	conn *Conn

	mu     sync.Mutex
	tokens map[ProgressToken]*progressToken
}

type progressToken struct {
	cancelled atomic.Bool
}

var (
	// ErrProgressTokenExists is returned when creating a token that is still live.
	ErrProgressTokenExists = errors.New("progress token already exists")
	// ErrUnknownProgressToken is returned when reporting on a token that is not live.
	ErrUnknownProgressToken = errors.New("unknown progress token")
)

func newProgress(conn *Conn) *Progress {
	return &Progress{
		conn:   conn,
		tokens: make(map[ProgressToken]*progressToken),
	}
}

// Create asks the client to create token through window/workDoneProgress/create and waits for
// the client's acknowledgement.
func (p *Progress) Create(ctx context.Context, token ProgressToken) error {
	p.mu.Lock()
	if _, ok := p.tokens[token]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProgressTokenExists, token)
	}
	p.tokens[token] = &progressToken{}
	p.mu.Unlock()

	if err := p.conn.Request(ctx, MethodWorkDoneProgressCreate, WorkDoneProgressCreateParams{Token: token}, nil); err != nil {
		p.retire(token)
		return fmt.Errorf("failed to create progress %s: %w", token, err)
	}
	return nil
}

// Begin starts reporting on token.
func (p *Progress) Begin(ctx context.Context, token ProgressToken, value WorkDoneProgressBegin) error {
	p.mu.Lock()
	if _, ok := p.tokens[token]; !ok {
		p.tokens[token] = &progressToken{}
	}
	p.mu.Unlock()

	value.Kind = "begin"
	return p.notify(ctx, token, value)
}

// Report sends an intermediate report for token.
func (p *Progress) Report(ctx context.Context, token ProgressToken, value WorkDoneProgressReport) error {
	if !p.live(token) {
		return fmt.Errorf("%w: %s", ErrUnknownProgressToken, token)
	}
	value.Kind = "report"
	return p.notify(ctx, token, value)
}

// End finishes reporting on token and retires it.
func (p *Progress) End(ctx context.Context, token ProgressToken, value WorkDoneProgressEnd) error {
	if !p.live(token) {
		return fmt.Errorf("%w: %s", ErrUnknownProgressToken, token)
	}
	p.retire(token)
	value.Kind = "end"
	return p.notify(ctx, token, value)
}

// IsCancelled reports whether the client cancelled token.
func (p *Progress) IsCancelled(token ProgressToken) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tokens[token]
	return ok && t.cancelled.Load()
}

// Cancel marks token cancelled. It reports false for a token that is not live.
func (p *Progress) Cancel(token ProgressToken) bool {
	p.mu.Lock()
	t, ok := p.tokens[token]
	p.mu.Unlock()
	if !ok {
		p.conn.logger.Warn("ignoring cancel for unknown progress token", slog.String("token", token.String()))
		return false
	}
	t.cancelled.Store(true)
	return true
}

func (p *Progress) notify(ctx context.Context, token ProgressToken, value any) error {
	return p.conn.Notify(ctx, MethodProgress, ProgressParams{Token: token, Value: value})
}

func (p *Progress) live(token ProgressToken) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tokens[token]
	return ok
}

func (p *Progress) retire(token ProgressToken) {
	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()
}

func (p *Progress) clear() {
	p.mu.Lock()
	clear(p.tokens)
	p.mu.Unlock()
}
