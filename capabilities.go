package lsp

import (
	"go.lsp.dev/protocol"
)

// Capabilities derives the capability advertisement sent in the initialize response from the
// registered methods and their options. It is a pure function of the registry contents and
// the server's text document sync kind.
//
// A method that is not registered leaves its provider unset, so an empty registry advertises
// only document synchronization.
func (r *FeatureRegistry) Capabilities(syncKind protocol.TextDocumentSyncKind) protocol.ServerCapabilities {
	caps := protocol.ServerCapabilities{}

	sync := &protocol.TextDocumentSyncOptions{
		OpenClose: true,
		Change:    syncKind,
	}
	if r.Has(MethodTextDocumentDidSave) {
		sync.Save = &protocol.SaveOptions{}
		if opts, ok := r.Options(MethodTextDocumentDidSave).(*protocol.SaveOptions); ok {
			sync.Save = opts
		}
	}
	caps.TextDocumentSync = sync

	if r.Has(MethodTextDocumentCompletion) {
		opts := protocol.CompletionOptions{}
		if o, ok := r.Options(MethodTextDocumentCompletion).(*protocol.CompletionOptions); ok && o != nil {
			opts = *o
		}
		if r.Has(MethodCompletionItemResolve) {
			opts.ResolveProvider = true
		}
		caps.CompletionProvider = &opts
	}

	if r.Has(MethodTextDocumentSignatureHelp) {
		opts := &protocol.SignatureHelpOptions{}
		if o, ok := r.Options(MethodTextDocumentSignatureHelp).(*protocol.SignatureHelpOptions); ok && o != nil {
			opts = o
		}
		caps.SignatureHelpProvider = opts
	}

	for _, method := range r.Methods() {
		provider := r.Options(method)
		if provider == nil {
			provider = true
		}
		switch method {
		case MethodTextDocumentHover:
			caps.HoverProvider = provider
		case MethodTextDocumentDefinition:
			caps.DefinitionProvider = provider
		case MethodTextDocumentReferences:
			caps.ReferencesProvider = provider
		case MethodTextDocumentDocumentSymbol:
			caps.DocumentSymbolProvider = provider
		case MethodTextDocumentCodeAction:
			caps.CodeActionProvider = provider
		case MethodTextDocumentFormatting:
			caps.DocumentFormattingProvider = provider
		case MethodTextDocumentRename:
			caps.RenameProvider = provider
		case MethodWorkspaceSymbol:
			caps.WorkspaceSymbolProvider = provider
		}
	}

	if cmds := r.Commands(); len(cmds) > 0 {
		caps.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{Commands: cmds}
	}

	return caps
}
