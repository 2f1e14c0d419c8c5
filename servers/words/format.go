package words

import (
	"context"
	"strings"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.lsp.dev/protocol"
)

// format trims trailing whitespace, expands leading tabs when the client asks for spaces and
// terminates the document with a single newline. The result is the minimal set of edits
// turning the current text into the formatted one.
func (s *Server) format(ctx context.Context, conn *lsp.Conn, params protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	doc, ok := conn.Workspace().GetDocument(params.TextDocument.URI)
	if !ok {
		return []protocol.TextEdit{}, nil
	}
	formatted := formatText(doc.Text, params.Options)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return textEdits(doc, formatted), nil
}

func formatText(text string, opts protocol.FormattingOptions) string {
	if text == "" {
		return ""
	}
	indent := ""
	if opts.InsertSpaces && opts.TabSize > 0 {
		indent = strings.Repeat(" ", int(opts.TabSize))
	}

	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if indent != "" {
			body := strings.TrimLeft(line, "\t")
			line = strings.Repeat(indent, len(line)-len(body)) + body
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n") + "\n"
}

// textEdits diffs the document against formatted and converts every change into a TextEdit
// addressed in the coordinates of the original document.
func textEdits(doc workspace.Document, formatted string) []protocol.TextEdit {
	edits := []protocol.TextEdit{}
	if doc.Text == formatted {
		return edits
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(doc.Text, formatted, false)

	offset := 0
	var pending *protocol.TextEdit
	pendingEnd := -1
	flush := func() {
		if pending != nil {
			edits = append(edits, *pending)
			pending = nil
		}
	}
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			offset += len(d.Text)
		case diffmatchpatch.DiffDelete:
			end := offset + len(d.Text)
			if pending != nil && pendingEnd == offset {
				pending.Range.End = doc.PositionAt(end)
			} else {
				flush()
				pending = &protocol.TextEdit{Range: protocol.Range{
					Start: doc.PositionAt(offset),
					End:   doc.PositionAt(end),
				}}
			}
			offset, pendingEnd = end, end
		case diffmatchpatch.DiffInsert:
			if pending != nil && pendingEnd == offset {
				pending.NewText += d.Text
				continue
			}
			flush()
			pos := doc.PositionAt(offset)
			pending = &protocol.TextEdit{Range: protocol.Range{Start: pos, End: pos}, NewText: d.Text}
			pendingEnd = offset
		}
	}
	flush()
	return edits
}
