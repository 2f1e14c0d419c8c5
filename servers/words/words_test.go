package words_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/servers/words"
	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

type harness struct {
	client        *lsp.Client
	words         *words.Server
	diagnostics   chan lsp.PublishDiagnosticsParams
	registrations chan lsp.RegistrationParams
	progress      chan progressEvent
	exitCode      chan int
}

type progressEvent struct {
	Token lsp.ProgressToken `json:"token"`
	Value struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"value"`
}

type harnessConfig struct {
	wordsOptions []words.Option
	// serverOutput wraps the stream the server writes to.
	serverOutput func(io.Writer) io.Writer
}

type harnessOption func(*harnessConfig)

func withWordsOptions(options ...words.Option) harnessOption {
	return func(c *harnessConfig) {
		c.wordsOptions = append(c.wordsOptions, options...)
	}
}

func withServerOutput(wrap func(io.Writer) io.Writer) harnessOption {
	return func(c *harnessConfig) {
		c.serverOutput = wrap
	}
}

func setup(t *testing.T, cfg words.Config, capabilities string, options ...harnessOption) *harness {
	t.Helper()

	var hc harnessConfig
	for _, opt := range options {
		opt(&hc)
	}

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	var srvOutput io.Writer = srvWriter
	if hc.serverOutput != nil {
		srvOutput = hc.serverOutput(srvWriter)
	}

	ws, err := words.New(cfg, hc.wordsOptions...)
	if err != nil {
		t.Fatalf("failed to create words server: %v", err)
	}
	srv := lsp.NewServer(lsp.Info{Name: "words", Version: "test"}, lsp.NewStdIO(srvReader, srvOutput))
	if err := ws.Register(srv); err != nil {
		t.Fatalf("failed to register words server: %v", err)
	}

	h := &harness{
		words:         ws,
		diagnostics:   make(chan lsp.PublishDiagnosticsParams, 64),
		registrations: make(chan lsp.RegistrationParams, 8),
		progress:      make(chan progressEvent, 64),
		exitCode:      make(chan int, 1),
	}

	go func() {
		code, err := srv.Serve(context.Background())
		if err != nil {
			t.Errorf("serve failed: %v", err)
		}
		h.exitCode <- code
	}()

	h.client = lsp.NewClient(lsp.Info{Name: "test-client"}, lsp.NewStdIO(cliReader, cliWriter),
		lsp.WithClientCapabilities(json.RawMessage(capabilities)))

	features := map[string]lsp.HandlerFunc{
		lsp.MethodTextDocumentPublishDiags: lsp.Proc(func(_ context.Context, _ *lsp.Conn, p lsp.PublishDiagnosticsParams) error {
			h.diagnostics <- p
			return nil
		}),
		lsp.MethodClientRegisterCapability: lsp.Fn(func(_ context.Context, _ *lsp.Conn, p lsp.RegistrationParams) (any, error) {
			h.registrations <- p
			return nil, nil
		}),
		lsp.MethodWorkDoneProgressCreate: lsp.Fn(func(context.Context, *lsp.Conn, lsp.WorkDoneProgressCreateParams) (any, error) {
			return nil, nil
		}),
		lsp.MethodProgress: lsp.Proc(func(_ context.Context, _ *lsp.Conn, p progressEvent) error {
			h.progress <- p
			return nil
		}),
	}
	for method, fn := range features {
		if err := h.client.Feature(method, lsp.Direct, fn); err != nil {
			t.Fatalf("failed to register client feature %s: %v", method, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.client.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
		if err := h.client.Exit(ctx); err != nil {
			t.Errorf("exit failed: %v", err)
		}
		select {
		case code := <-h.exitCode:
			if code != 0 {
				t.Errorf("expected exit code 0, got %d", code)
			}
		case <-ctx.Done():
			t.Errorf("server did not exit")
		}
		_ = h.client.Close()
		_ = cliWriter.Close()
		_ = srvWriter.Close()
	})

	return h
}

func (h *harness) open(t *testing.T, u uri.URI, text string) {
	t.Helper()
	err := h.client.Notify(context.Background(), lsp.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: u, LanguageID: "plaintext", Version: 1, Text: text},
	})
	if err != nil {
		t.Fatalf("failed to open %s: %v", u, err)
	}
}

func (h *harness) nextDiagnostics(t *testing.T) lsp.PublishDiagnosticsParams {
	t.Helper()
	select {
	case p := <-h.diagnostics:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for diagnostics")
	}
	return lsp.PublishDiagnosticsParams{}
}

// applyEdits applies non-overlapping edits addressed in the coordinates of doc.
func applyEdits(doc workspace.Document, edits []protocol.TextEdit) string {
	text := doc.Text
	for i := len(edits) - 1; i >= 0; i-- {
		start := doc.OffsetAt(edits[i].Range.Start)
		end := doc.OffsetAt(edits[i].Range.End)
		text = text[:start] + edits[i].NewText + text[end:]
	}
	return text
}

func TestCompletion(t *testing.T) {
	h := setup(t, words.Config{TriggerCharacters: []string{"."}}, `{}`)

	caps := h.client.ServerCapabilities()
	if caps.CompletionProvider == nil {
		t.Fatal("expected completion provider")
	}
	if diff := cmp.Diff([]string{"."}, caps.CompletionProvider.TriggerCharacters); diff != "" {
		t.Errorf("trigger characters mismatch (-want +got):\n%s", diff)
	}
	if !caps.CompletionProvider.ResolveProvider {
		t.Error("expected resolve provider")
	}

	h.open(t, "file:///a.txt", "apple apricot banana\n")
	h.open(t, "file:///b.txt", "apple ap\n")
	h.nextDiagnostics(t)
	h.nextDiagnostics(t)

	var list protocol.CompletionList
	err := h.client.Request(context.Background(), lsp.MethodTextDocumentCompletion, protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: "file:///b.txt"},
			Position:     protocol.Position{Line: 0, Character: 8},
		},
	}, &list)
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}

	var labels []string
	for _, item := range list.Items {
		labels = append(labels, item.Label)
	}
	if diff := cmp.Diff([]string{"apple", "apricot"}, labels); diff != "" {
		t.Errorf("completion labels mismatch (-want +got):\n%s", diff)
	}

	var resolved protocol.CompletionItem
	err = h.client.Request(context.Background(), lsp.MethodCompletionItemResolve, list.Items[0], &resolved)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Detail != "2 occurrences" {
		t.Errorf("expected detail %q, got %q", "2 occurrences", resolved.Detail)
	}
}

func TestHover(t *testing.T) {
	h := setup(t, words.Config{}, `{}`)

	h.open(t, "file:///a.txt", "hello world hello\n")
	h.nextDiagnostics(t)

	tests := []struct {
		name     string
		position protocol.Position
		want     string
	}{
		{"word", protocol.Position{Line: 0, Character: 2}, "**hello**\n\n2 occurrences in open documents"},
		{"single", protocol.Position{Line: 0, Character: 8}, "**world**\n\n1 occurrence in open documents"},
		{"whitespace", protocol.Position{Line: 1, Character: 0}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hover *protocol.Hover
			err := h.client.Request(context.Background(), lsp.MethodTextDocumentHover, protocol.HoverParams{
				TextDocumentPositionParams: protocol.TextDocumentPositionParams{
					TextDocument: protocol.TextDocumentIdentifier{URI: "file:///a.txt"},
					Position:     tt.position,
				},
			}, &hover)
			if err != nil {
				t.Fatalf("hover failed: %v", err)
			}
			if tt.want == "" {
				if hover != nil {
					t.Errorf("expected no hover, got %+v", hover)
				}
				return
			}
			if hover == nil {
				t.Fatal("expected hover")
			}
			if hover.Contents.Value != tt.want {
				t.Errorf("expected %q, got %q", tt.want, hover.Contents.Value)
			}
		})
	}
}

func TestDiagnostics(t *testing.T) {
	h := setup(t, words.Config{BannedWords: []string{"foo"}}, `{}`)

	h.open(t, "file:///a.txt", "ok Foo\nfoo bar\n")
	got := h.nextDiagnostics(t)
	if got.URI != "file:///a.txt" || got.Version != 1 {
		t.Errorf("unexpected target %s@%d", got.URI, got.Version)
	}

	var ranges []protocol.Range
	for _, d := range got.Diagnostics {
		ranges = append(ranges, d.Range)
		if d.Source != "words" {
			t.Errorf("expected source words, got %q", d.Source)
		}
	}
	want := []protocol.Range{
		{Start: protocol.Position{Line: 0, Character: 3}, End: protocol.Position{Line: 0, Character: 6}},
		{Start: protocol.Position{Line: 1, Character: 0}, End: protocol.Position{Line: 1, Character: 3}},
	}
	if diff := cmp.Diff(want, ranges); diff != "" {
		t.Errorf("diagnostic ranges mismatch (-want +got):\n%s", diff)
	}

	err := h.client.Notify(context.Background(), lsp.MethodTextDocumentDidChange, lsp.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: "file:///a.txt"},
			Version:                2,
		},
		ContentChanges: []workspace.Change{{
			Range: &protocol.Range{
				Start: protocol.Position{Line: 1, Character: 0},
				End:   protocol.Position{Line: 1, Character: 3},
			},
			Text: "baz",
		}},
	})
	if err != nil {
		t.Fatalf("didChange failed: %v", err)
	}
	got = h.nextDiagnostics(t)
	if got.Version != 2 || len(got.Diagnostics) != 1 {
		t.Errorf("expected one diagnostic at version 2, got %d at version %d", len(got.Diagnostics), got.Version)
	}

	err = h.client.Notify(context.Background(), lsp.MethodTextDocumentDidClose, protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///a.txt"},
	})
	if err != nil {
		t.Fatalf("didClose failed: %v", err)
	}
	got = h.nextDiagnostics(t)
	if got.Diagnostics == nil || len(got.Diagnostics) != 0 {
		t.Errorf("expected cleared diagnostics, got %+v", got.Diagnostics)
	}
}

func TestFormatting(t *testing.T) {
	h := setup(t, words.Config{}, `{}`)

	h.open(t, "file:///a.txt", "one  \ntwo\n\n\n")
	h.nextDiagnostics(t)

	var edits []protocol.TextEdit
	err := h.client.Request(context.Background(), lsp.MethodTextDocumentFormatting, protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///a.txt"},
	}, &edits)
	if err != nil {
		t.Fatalf("formatting failed: %v", err)
	}
	doc := workspace.Document{URI: "file:///a.txt", Text: "one  \ntwo\n\n\n"}
	if got := applyEdits(doc, edits); got != "one\ntwo\n" {
		t.Errorf("expected formatted text %q, got %q", "one\ntwo\n", got)
	}
}

func TestWatchedFiles(t *testing.T) {
	h := setup(t, words.Config{WatchPatterns: []string{"**/*.txt"}}, `{}`)

	var params lsp.RegistrationParams
	select {
	case params = <-h.registrations:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registration")
	}
	if len(params.Registrations) != 1 || params.Registrations[0].Method != lsp.MethodWorkspaceDidChangeWatched {
		t.Fatalf("unexpected registrations %+v", params.Registrations)
	}

	err := h.client.Notify(context.Background(), lsp.MethodWorkspaceDidChangeWatched, protocol.DidChangeWatchedFilesParams{
		Changes: []*protocol.FileEvent{
			{URI: "file:///tmp/notes.txt", Type: protocol.FileChangeTypeCreated},
			{URI: "file:///tmp/main.go", Type: protocol.FileChangeTypeCreated},
			{URI: "untitled:scratch.txt", Type: protocol.FileChangeTypeCreated},
			{URI: "file:///tmp/old.txt", Type: protocol.FileChangeTypeChanged},
			{URI: "file:///tmp/old.txt", Type: protocol.FileChangeTypeDeleted},
		},
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	want := map[uri.URI]protocol.FileChangeType{"file:///tmp/notes.txt": protocol.FileChangeTypeCreated}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := h.words.Watched()
		if cmp.Equal(want, got) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watched files mismatch (-want +got):\n%s", cmp.Diff(want, got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCountCommand(t *testing.T) {
	h := setup(t, words.Config{}, `{"window":{"workDoneProgress":true}}`)

	h.open(t, "file:///a.txt", "one two two\n")
	h.open(t, "file:///b.txt", "three\n")
	h.nextDiagnostics(t)
	h.nextDiagnostics(t)

	var result words.CountResult
	err := h.client.Request(context.Background(), lsp.MethodWorkspaceExecuteCommand, protocol.ExecuteCommandParams{
		Command: words.CountCommand,
	}, &result)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if diff := cmp.Diff(words.CountResult{Documents: 2, Words: 4, Unique: 3}, result); diff != "" {
		t.Errorf("count result mismatch (-want +got):\n%s", diff)
	}

	var kinds []string
	for len(kinds) < 4 {
		select {
		case ev := <-h.progress:
			kinds = append(kinds, ev.Value.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for progress, got %v", kinds)
		}
	}
	if diff := cmp.Diff([]string{"begin", "report", "report", "end"}, kinds); diff != "" {
		t.Errorf("progress kinds mismatch (-want +got):\n%s", diff)
	}

	err = h.client.Request(context.Background(), lsp.MethodWorkspaceExecuteCommand, protocol.ExecuteCommandParams{
		Command:   words.CountCommand,
		Arguments: []interface{}{map[string]string{"uri": "file:///missing.txt"}},
	}, &result)
	var jErr *lsp.JSONRPCError
	if !errors.As(err, &jErr) || jErr.Code != lsp.CodeInvalidParams {
		t.Errorf("expected invalid params error, got %v", err)
	}
}

func TestCountCancelled(t *testing.T) {
	h := setup(t, words.Config{CountDelay: 200 * time.Millisecond}, `{}`)

	for _, u := range []uri.URI{"file:///a.txt", "file:///b.txt", "file:///c.txt"} {
		h.open(t, u, "word\n")
		h.nextDiagnostics(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := h.client.Request(ctx, lsp.MethodWorkspaceExecuteCommand, protocol.ExecuteCommandParams{
		Command: words.CountCommand,
	}, nil)
	if !errors.Is(err, lsp.ErrRequestCancelled) && !errors.Is(err, lsp.ErrRequestTimeout) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

// refusingWriter fails every write that contains match and passes the rest through. Frames are
// written in a single call, so a refused frame leaves the stream intact.
type refusingWriter struct {
	w     io.Writer
	match []byte
}

func (r refusingWriter) Write(p []byte) (int, error) {
	if bytes.Contains(p, r.match) {
		return 0, errors.New("write refused")
	}
	return r.w.Write(p)
}

// syncBuffer is a bytes.Buffer safe for a logger writing from handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCountProgressFailureLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	h := setup(t, words.Config{}, `{"window":{"workDoneProgress":true}}`,
		withWordsOptions(words.WithLogger(logger)),
		withServerOutput(func(w io.Writer) io.Writer {
			return refusingWriter{w: w, match: []byte(`"kind":"report"`)}
		}))

	h.open(t, "file:///a.txt", "one two\n")
	h.nextDiagnostics(t)

	var result words.CountResult
	err := h.client.Request(context.Background(), lsp.MethodWorkspaceExecuteCommand, protocol.ExecuteCommandParams{
		Command: words.CountCommand,
	}, &result)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if diff := cmp.Diff(words.CountResult{Documents: 1, Words: 2, Unique: 2}, result); diff != "" {
		t.Errorf("count result mismatch (-want +got):\n%s", diff)
	}

	if got := logs.String(); !strings.Contains(got, "failed to report progress") || !strings.Contains(got, "file:///a.txt") {
		t.Errorf("expected the refused report to be logged, got %q", got)
	}
	if got := logs.String(); strings.Contains(got, "failed to begin progress") || strings.Contains(got, "failed to end progress") {
		t.Errorf("expected only the report to fail, got %q", got)
	}
}

func TestNewInvalidPattern(t *testing.T) {
	if _, err := words.New(words.Config{WatchPatterns: []string{"[a-"}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
