// Package lsp implements the Language Server Protocol (LSP), providing a framework for building
// language servers and clients on top of JSON-RPC 2.0. This implementation follows the official
// specification from https://microsoft.github.io/language-server-protocol/.
//
// The package covers the transport and dispatch core of the protocol: Content-Length framing,
// request correlation and cancellation, concurrent execution of handlers, the lifecycle state
// machine and capability negotiation. The LSP data types come from go.lsp.dev/protocol, and the
// workspace sub-package keeps the server-side copy of the client's open documents.
package lsp
