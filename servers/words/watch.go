package words

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/google/uuid"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// initialized registers file watchers for the configured patterns. It issues a request to the
// client, so it must not run on the dispatch loop.
func (s *Server) initialized(ctx context.Context, conn *lsp.Conn, _ struct{}) error {
	if len(s.cfg.WatchPatterns) == 0 {
		return nil
	}

	watchers := make([]protocol.FileSystemWatcher, 0, len(s.cfg.WatchPatterns))
	for _, pattern := range s.cfg.WatchPatterns {
		watchers = append(watchers, protocol.FileSystemWatcher{GlobPattern: pattern})
	}
	err := conn.RegisterCapability(ctx, lsp.Registration{
		ID:              uuid.New().String(),
		Method:          lsp.MethodWorkspaceDidChangeWatched,
		RegisterOptions: protocol.DidChangeWatchedFilesRegistrationOptions{Watchers: watchers},
	})
	if err != nil {
		s.logger.Warn("failed to register file watchers", slog.String("err", err.Error()))
	}
	return nil
}

func (s *Server) didChangeWatchedFiles(_ context.Context, _ *lsp.Conn, params protocol.DidChangeWatchedFilesParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, change := range params.Changes {
		if change == nil {
			continue
		}
		path, ok := filename(change.URI)
		if !ok || !s.matches(path) {
			s.logger.Debug("ignoring watched file change", slog.String("uri", string(change.URI)))
			continue
		}
		if change.Type == protocol.FileChangeTypeDeleted {
			delete(s.watched, change.URI)
			continue
		}
		s.watched[change.URI] = change.Type
	}
	return nil
}

// Watched returns the files reported by the client that match the watch patterns and have not
// been deleted since, with their last change type.
func (s *Server) Watched() map[uri.URI]protocol.FileChangeType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.watched)
}

func (s *Server) matches(path string) bool {
	for _, g := range s.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// filename extracts the slash-separated path of a file URI. uri.URI.Filename panics on any
// other scheme.
func filename(u uri.URI) (string, bool) {
	if !strings.HasPrefix(string(u), uri.FileScheme+"://") {
		return "", false
	}
	return filepath.ToSlash(u.Filename()), true
}
