package words

import (
	"context"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/workspace"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

const diagnosticSource = "words"

func (s *Server) didOpen(ctx context.Context, conn *lsp.Conn, params protocol.DidOpenTextDocumentParams) error {
	return s.publish(ctx, conn, params.TextDocument.URI)
}

func (s *Server) didChange(ctx context.Context, conn *lsp.Conn, params lsp.DidChangeTextDocumentParams) error {
	return s.publish(ctx, conn, params.TextDocument.URI)
}

func (s *Server) didClose(ctx context.Context, conn *lsp.Conn, params protocol.DidCloseTextDocumentParams) error {
	return conn.PublishDiagnostics(ctx, lsp.PublishDiagnosticsParams{URI: params.TextDocument.URI})
}

func (s *Server) publish(ctx context.Context, conn *lsp.Conn, u uri.URI) error {
	doc, ok := conn.Workspace().GetDocument(u)
	if !ok {
		return nil
	}
	return conn.PublishDiagnostics(ctx, lsp.PublishDiagnosticsParams{
		URI:         doc.URI,
		Version:     doc.Version,
		Diagnostics: s.diagnose(doc),
	})
}

// diagnose reports every occurrence of a banned word, compared case-insensitively.
func (s *Server) diagnose(doc workspace.Document) []protocol.Diagnostic {
	diags := []protocol.Diagnostic{}
	if len(s.banned) == 0 {
		return diags
	}
	for _, sp := range wordSpans(doc.Text) {
		word := doc.Text[sp.start:sp.end]
		if _, ok := s.banned[strings.ToLower(word)]; !ok {
			continue
		}
		diags = append(diags, protocol.Diagnostic{
			Range: protocol.Range{
				Start: doc.PositionAt(sp.start),
				End:   doc.PositionAt(sp.end),
			},
			Severity: protocol.DiagnosticSeverityWarning,
			Source:   diagnosticSource,
			Message:  fmt.Sprintf("%q is a banned word", word),
		})
	}
	return diags
}
