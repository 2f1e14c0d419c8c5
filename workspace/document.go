package workspace

import (
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Document is a snapshot of one open text document.
type Document struct {
	URI        uri.URI
	LanguageID string
	Version    int32
	Text       string
}

// Lines returns the lines of the document, each including its line terminator.
func (d Document) Lines() []string {
	if d.Text == "" {
		return nil
	}
	lines := strings.SplitAfter(d.Text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// OffsetAt converts an LSP position, whose character is counted in UTF-16 code units, to a byte
// offset into Text. Positions past the end of a line clamp to the line end, positions past the
// last line clamp to the end of the document.
func (d Document) OffsetAt(pos protocol.Position) int {
	start, end, ok := lineBounds(d.Text, int(pos.Line))
	if !ok {
		return len(d.Text)
	}
	line := strings.TrimSuffix(d.Text[start:end], "\r")
	return start + utf16Offset(line, pos.Character)
}

// PositionAt converts a byte offset into Text to an LSP position.
func (d Document) PositionAt(offset int) protocol.Position {
	offset = max(0, min(offset, len(d.Text)))
	before := d.Text[:offset]
	line := strings.Count(before, "\n")
	lineStart := strings.LastIndexByte(before, '\n') + 1

	var character uint32
	for _, r := range before[lineStart:] {
		character += uint32(utf16Len(r))
	}
	return protocol.Position{Line: uint32(line), Character: character}
}

// WordAt returns the word touching pos, or "" when pos is not on a word. A word is a run of
// letters, digits and underscores.
func (d Document) WordAt(pos protocol.Position) string {
	start, end, ok := lineBounds(d.Text, int(pos.Line))
	if !ok {
		return ""
	}
	line := d.Text[start:end]
	offset := utf16Offset(line, pos.Character)

	from := offset
	for from > 0 {
		r, size := utf8.DecodeLastRuneInString(line[:from])
		if !isWordRune(r) {
			break
		}
		from -= size
	}
	to := offset
	for to < len(line) {
		r, size := utf8.DecodeRuneInString(line[to:])
		if !isWordRune(r) {
			break
		}
		to += size
	}
	return line[from:to]
}

// Words returns every word of the document in order of appearance.
func (d Document) Words() []string {
	return strings.FieldsFunc(d.Text, func(r rune) bool {
		return !isWordRune(r)
	})
}

// lineBounds returns the byte range of line n without its '\n'.
func lineBounds(text string, n int) (int, int, bool) {
	start := 0
	for i := 0; i < n; i++ {
		idx := strings.IndexByte(text[start:], '\n')
		if idx < 0 {
			return 0, 0, false
		}
		start += idx + 1
	}
	end := len(text)
	if idx := strings.IndexByte(text[start:], '\n'); idx >= 0 {
		end = start + idx
	}
	return start, end, true
}

func utf16Offset(line string, character uint32) int {
	var units uint32
	for i, r := range line {
		if units >= character {
			return i
		}
		units += uint32(utf16Len(r))
	}
	return len(line)
}

func utf16Len(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
