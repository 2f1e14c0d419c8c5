// Package workspace keeps the server-side copy of the documents and folders a language client
// has opened, applying the client's change events in the configured synchronization mode.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Workspace holds open documents and workspace folders. It is safe for concurrent use.
type Workspace struct {
	syncKind protocol.TextDocumentSyncKind
	strict   bool
	logger   *slog.Logger

	mu      sync.RWMutex
	rootURI uri.URI
	docs    map[uri.URI]*Document
	folders map[string]protocol.WorkspaceFolder
}

// Option represents the options for a Workspace.
type Option func(*Workspace)

// Change is one entry of textDocument/didChange contentChanges. A nil Range replaces the whole
// document.
type Change struct {
	Range       *protocol.Range `json:"range,omitempty"`
	RangeLength uint32          `json:"rangeLength,omitempty"`
	Text        string          `json:"text"`
}

var (
	// ErrUnknownDocument is returned when changing a document that is not open.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrUnsupportedChange is returned in strict mode for a ranged change under full sync.
	ErrUnsupportedChange = errors.New("ranged change under full document sync")
	// ErrInvalidRange is returned for a change whose end precedes its start.
	ErrInvalidRange = errors.New("invalid change range")
)

// WithStrictSync rejects ranged changes received under full sync instead of treating them as a
// whole-document replacement.
func WithStrictSync() Option {
	return func(w *Workspace) {
		w.strict = true
	}
}

// WithLogger sets the logger of the workspace.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workspace) {
		w.logger = logger
	}
}

// WithRootURI sets the workspace root.
func WithRootURI(root uri.URI) Option {
	return func(w *Workspace) {
		w.rootURI = root
	}
}

// New creates an empty workspace synchronizing documents with syncKind.
func New(syncKind protocol.TextDocumentSyncKind, options ...Option) *Workspace {
	w := &Workspace{
		syncKind: syncKind,
		logger:   slog.Default(),
		docs:     make(map[uri.URI]*Document),
		folders:  make(map[string]protocol.WorkspaceFolder),
	}
	for _, opt := range options {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("package", "go-lsp"), slog.String("component", "workspace"))

	return w
}

// SyncKind returns the document synchronization mode.
func (w *Workspace) SyncKind() protocol.TextDocumentSyncKind {
	return w.syncKind
}

// RootURI returns the workspace root, which may be empty.
func (w *Workspace) RootURI() uri.URI {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rootURI
}

// SetRootURI replaces the workspace root.
func (w *Workspace) SetRootURI(root uri.URI) {
	w.mu.Lock()
	w.rootURI = root
	w.mu.Unlock()
}

// GetDocument returns a snapshot of the document at u.
func (w *Workspace) GetDocument(u uri.URI) (Document, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	doc, ok := w.docs[u]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// Documents returns snapshots of every open document ordered by URI.
func (w *Workspace) Documents() []Document {
	w.mu.RLock()
	docs := make([]Document, 0, len(w.docs))
	for _, doc := range w.docs {
		docs = append(docs, *doc)
	}
	w.mu.RUnlock()

	slices.SortFunc(docs, func(a, b Document) int {
		return strings.Compare(string(a.URI), string(b.URI))
	})
	return docs
}

// PutDocument opens a document, replacing any previous one at the same URI.
func (w *Workspace) PutDocument(item protocol.TextDocumentItem) {
	w.mu.Lock()
	w.docs[item.URI] = &Document{
		URI:        item.URI,
		LanguageID: string(item.LanguageID),
		Version:    item.Version,
		Text:       item.Text,
	}
	w.mu.Unlock()
}

// RemoveDocument closes the document at u.
func (w *Workspace) RemoveDocument(u uri.URI) {
	w.mu.Lock()
	delete(w.docs, u)
	w.mu.Unlock()
}

// SaveDocument replaces the text of an open document with the content the client saved.
func (w *Workspace) SaveDocument(u uri.URI, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.docs[u]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, u)
	}
	doc.Text = text
	return nil
}

// ApplyChange applies one content change to the document at u and records version.
//
// Under None sync changes are ignored. Under Full sync every change replaces the document; a
// change carrying a range is logged and applied as a replacement, or rejected with
// ErrUnsupportedChange when the workspace is strict. Under Incremental sync a ranged change
// edits the range and an unranged change replaces the document.
func (w *Workspace) ApplyChange(u uri.URI, version int32, change Change) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc, ok := w.docs[u]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDocument, u)
	}

	switch w.syncKind {
	case protocol.TextDocumentSyncKindNone:
		w.logger.Debug("ignoring change under none sync", slog.String("uri", string(u)))
		return nil
	case protocol.TextDocumentSyncKindFull:
		if change.Range != nil {
			if w.strict {
				return fmt.Errorf("%w: %s", ErrUnsupportedChange, u)
			}
			w.logger.Warn("applying ranged change as full replacement",
				slog.String("uri", string(u)), slog.Int("version", int(version)))
		}
		doc.Text = change.Text
	default:
		if change.Range == nil {
			doc.Text = change.Text
			break
		}
		start, end := doc.OffsetAt(change.Range.Start), doc.OffsetAt(change.Range.End)
		if end < start {
			return fmt.Errorf("%w: %s", ErrInvalidRange, u)
		}
		doc.Text = doc.Text[:start] + change.Text + doc.Text[end:]
	}
	doc.Version = version

	return nil
}

// AddFolder adds or replaces a workspace folder.
func (w *Workspace) AddFolder(folder protocol.WorkspaceFolder) {
	w.mu.Lock()
	w.folders[folder.URI] = folder
	w.mu.Unlock()
}

// RemoveFolder removes the workspace folder with the folder's URI.
func (w *Workspace) RemoveFolder(folder protocol.WorkspaceFolder) {
	w.mu.Lock()
	delete(w.folders, folder.URI)
	w.mu.Unlock()
}

// Folders returns the workspace folders ordered by URI.
func (w *Workspace) Folders() []protocol.WorkspaceFolder {
	w.mu.RLock()
	folders := make([]protocol.WorkspaceFolder, 0, len(w.folders))
	for _, f := range w.folders {
		folders = append(folders, f)
	}
	w.mu.RUnlock()

	slices.SortFunc(folders, func(a, b protocol.WorkspaceFolder) int {
		return strings.Compare(a.URI, b.URI)
	})
	return folders
}
