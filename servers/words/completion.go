package words

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MegaGrindStone/go-lsp"
	"go.lsp.dev/protocol"
)

func (s *Server) completion(ctx context.Context, conn *lsp.Conn, params protocol.CompletionParams) (protocol.CompletionList, error) {
	ws := conn.Workspace()
	doc, ok := ws.GetDocument(params.TextDocument.URI)
	if !ok {
		return protocol.CompletionList{Items: []protocol.CompletionItem{}}, nil
	}

	prefix := wordBefore(doc.Text, doc.OffsetAt(params.Position))
	counts := occurrences(ws.Documents())

	items := []protocol.CompletionItem{}
	for _, w := range sortedWords(counts) {
		if err := ctx.Err(); err != nil {
			return protocol.CompletionList{}, err
		}
		if w == prefix || !strings.HasPrefix(w, prefix) {
			continue
		}
		items = append(items, protocol.CompletionItem{
			Label: w,
			Kind:  protocol.CompletionItemKindText,
		})
	}

	return protocol.CompletionList{Items: items}, nil
}

func (s *Server) resolveCompletion(_ context.Context, conn *lsp.Conn, item protocol.CompletionItem) (protocol.CompletionItem, error) {
	counts := occurrences(conn.Workspace().Documents())
	item.Detail = countDetail(counts[item.Label])
	return item, nil
}

func (s *Server) hover(_ context.Context, conn *lsp.Conn, params protocol.HoverParams) (*protocol.Hover, error) {
	ws := conn.Workspace()
	doc, ok := ws.GetDocument(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	word := doc.WordAt(params.Position)
	if word == "" {
		return nil, nil
	}

	counts := occurrences(ws.Documents())
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.Markdown,
			Value: fmt.Sprintf("**%s**\n\n%s in open documents", word, countDetail(counts[word])),
		},
	}, nil
}

// wordBefore returns the word characters immediately preceding offset.
func wordBefore(text string, offset int) string {
	start := offset
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !isWordRune(r) {
			break
		}
		start -= size
	}
	return text[start:offset]
}

func countDetail(n int) string {
	if n == 1 {
		return "1 occurrence"
	}
	return fmt.Sprintf("%d occurrences", n)
}
