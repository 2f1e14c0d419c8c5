// Package words implements a small language server over plain text: completion and hover for
// the words found in open documents, diagnostics for banned words, whitespace formatting, a
// word counting command reporting progress, and watched-file notifications filtered by glob.
package words

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/gobwas/glob"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Config configures the words server.
type Config struct {
	TriggerCharacters []string      `yaml:"triggerCharacters"`
	BannedWords       []string      `yaml:"bannedWords"`
	WatchPatterns     []string      `yaml:"watchPatterns"`
	CountDelay        time.Duration `yaml:"countDelay"`
}

// Server holds the state of the words language server. Register wires it into an lsp.Server.
type Server struct {
	cfg    Config
	banned map[string]struct{}
	globs  []glob.Glob
	logger *slog.Logger

	mu      sync.Mutex
	watched map[uri.URI]protocol.FileChangeType
}

// Option represents the options for the words server.
type Option func(*Server)

// CountCommand is the name of the word counting command.
const CountCommand = "words.count"

// WithLogger sets the logger of the words server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a words server, compiling the configured watch patterns.
func New(cfg Config, options ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		banned:  make(map[string]struct{}, len(cfg.BannedWords)),
		logger:  slog.Default(),
		watched: make(map[uri.URI]protocol.FileChangeType),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "words"))

	for _, w := range cfg.BannedWords {
		s.banned[strings.ToLower(w)] = struct{}{}
	}
	for _, pattern := range cfg.WatchPatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
		}
		s.globs = append(s.globs, g)
	}

	return s, nil
}

// Register registers every feature and command of the words server on srv.
func (s *Server) Register(srv *lsp.Server) error {
	completionOptions := &protocol.CompletionOptions{TriggerCharacters: s.cfg.TriggerCharacters}

	features := []struct {
		method  string
		kind    lsp.HandlerKind
		options any
		fn      lsp.HandlerFunc
	}{
		{lsp.MethodTextDocumentCompletion, lsp.Async, completionOptions, lsp.Fn(s.completion)},
		{lsp.MethodCompletionItemResolve, lsp.Direct, nil, lsp.Fn(s.resolveCompletion)},
		{lsp.MethodTextDocumentHover, lsp.Direct, nil, lsp.Fn(s.hover)},
		{lsp.MethodTextDocumentFormatting, lsp.Async, nil, lsp.Fn(s.format)},
		{lsp.MethodTextDocumentDidOpen, lsp.Direct, nil, lsp.Proc(s.didOpen)},
		{lsp.MethodTextDocumentDidChange, lsp.Direct, nil, lsp.Proc(s.didChange)},
		{lsp.MethodTextDocumentDidClose, lsp.Direct, nil, lsp.Proc(s.didClose)},
		{lsp.MethodInitialized, lsp.Async, nil, lsp.Proc(s.initialized)},
		{lsp.MethodWorkspaceDidChangeWatched, lsp.Direct, nil, lsp.Proc(s.didChangeWatchedFiles)},
	}
	for _, f := range features {
		if err := srv.Feature(f.method, f.kind, f.options, f.fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", f.method, err)
		}
	}

	if err := srv.Command(CountCommand, lsp.ThreadPool, lsp.Cmd(s.count)); err != nil {
		return fmt.Errorf("failed to register %s: %w", CountCommand, err)
	}
	return nil
}

// occurrences counts every word of the open documents.
func occurrences(docs []workspace.Document) map[string]int {
	counts := make(map[string]int)
	for _, doc := range docs {
		for _, w := range doc.Words() {
			counts[w]++
		}
	}
	return counts
}

func sortedWords(counts map[string]int) []string {
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	slices.Sort(words)
	return words
}

type span struct {
	start, end int
}

// wordSpans returns the byte ranges of the words of text.
func wordSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, span{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(text)})
	}
	return spans
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
