package lsp

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// ID identifies a JSON-RPC request. The protocol allows both strings and integers, and a
// response must echo the id in the same form it was received, so ID keeps the original kind.
//
// ID is comparable and can be used as a map key.
type ID struct {
	name   string
	number int64
	named  bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 envelope. The fields that are set determine the kind
// of the message:
//   - Request: JSONRPC, ID, Method and optionally Params are set
//   - Notification: JSONRPC, Method and optionally Params are set (no ID)
//   - Response: JSONRPC, ID, and either Result or Error are set
//
// Use Kind to classify a decoded message instead of probing the fields directly.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID is nil for notifications.
	ID     *ID             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	// Result holds the success payload of a response. A successful response with an empty
	// Result is encoded as "result": null.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *JSONRPCError   `json:"error,omitempty"`
}

// MessageKind is the variant of a JSONRPCMessage.
type MessageKind int

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Info contains the name and version of a server or client.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the subset of the initialize request parameters the framework interprets.
// The raw client capabilities are kept so handlers can decode whatever they need.
type InitializeParams struct {
	ProcessID             int32                      `json:"processId,omitempty"`
	ClientInfo            *Info                      `json:"clientInfo,omitempty"`
	Locale                string                     `json:"locale,omitempty"`
	RootURI               protocol.DocumentURI       `json:"rootUri,omitempty"`
	Capabilities          json.RawMessage            `json:"capabilities,omitempty"`
	InitializationOptions json.RawMessage            `json:"initializationOptions,omitempty"`
	Trace                 TraceValue                 `json:"trace,omitempty"`
	WorkspaceFolders      []protocol.WorkspaceFolder `json:"workspaceFolders,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	Capabilities protocol.ServerCapabilities `json:"capabilities"`
	ServerInfo   *Info                       `json:"serverInfo,omitempty"`
}

// CancelParams is the payload of the $/cancelRequest notification.
type CancelParams struct {
	ID ID `json:"id"`
}

// TraceValue is the verbosity of $/logTrace notifications.
type TraceValue string

// SetTraceParams is the payload of the $/setTrace notification.
type SetTraceParams struct {
	Value TraceValue `json:"value"`
}

// LogTraceParams is the payload of the $/logTrace notification.
type LogTraceParams struct {
	Message string `json:"message"`
	Verbose string `json:"verbose,omitempty"`
}

// ProgressToken identifies one work-done progress operation. Tokens are strings or integers,
// exactly like request ids.
type ProgressToken = ID

// ProgressParams is the payload of the $/progress notification.
type ProgressParams struct {
	Token ProgressToken `json:"token"`
	Value any           `json:"value"`
}

// WorkDoneProgressCreateParams is the payload of the window/workDoneProgress/create request.
type WorkDoneProgressCreateParams struct {
	Token ProgressToken `json:"token"`
}

// WorkDoneProgressCancelParams is the payload of the window/workDoneProgress/cancel notification.
type WorkDoneProgressCancelParams struct {
	Token ProgressToken `json:"token"`
}

// WorkDoneProgressBegin starts a progress operation.
type WorkDoneProgressBegin struct {
	Kind        string  `json:"kind"`
	Title       string  `json:"title"`
	Cancellable bool    `json:"cancellable,omitempty"`
	Message     string  `json:"message,omitempty"`
	Percentage  *uint32 `json:"percentage,omitempty"`
}

// WorkDoneProgressReport reports intermediate progress.
type WorkDoneProgressReport struct {
	Kind        string  `json:"kind"`
	Cancellable bool    `json:"cancellable,omitempty"`
	Message     string  `json:"message,omitempty"`
	Percentage  *uint32 `json:"percentage,omitempty"`
}

// WorkDoneProgressEnd ends a progress operation.
type WorkDoneProgressEnd struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// Registration describes one capability the server registers dynamically.
type Registration struct {
	ID              string `json:"id"`
	Method          string `json:"method"`
	RegisterOptions any    `json:"registerOptions,omitempty"`
}

// RegistrationParams is the payload of client/registerCapability.
type RegistrationParams struct {
	Registrations []Registration `json:"registrations"`
}

// Unregistration describes one capability the server unregisters.
type Unregistration struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// UnregistrationParams is the payload of client/unregisterCapability. The wire name keeps the
// misspelling of the protocol.
type UnregistrationParams struct {
	Unregistrations []Unregistration `json:"unregisterations"`
}

// MessageType is the severity of window/showMessage and window/logMessage.
type MessageType int

// ShowMessageParams is the payload of window/showMessage and window/logMessage.
type ShowMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// MessageActionItem is one choice offered by window/showMessageRequest.
type MessageActionItem struct {
	Title string `json:"title"`
}

// ShowMessageRequestParams is the payload of window/showMessageRequest.
type ShowMessageRequestParams struct {
	Type    MessageType         `json:"type"`
	Message string              `json:"message"`
	Actions []MessageActionItem `json:"actions,omitempty"`
}

// PublishDiagnosticsParams is the payload of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         protocol.DocumentURI  `json:"uri"`
	Version     int32                 `json:"version,omitempty"`
	Diagnostics []protocol.Diagnostic `json:"diagnostics"`
}

// ApplyWorkspaceEditParams is the payload of workspace/applyEdit.
type ApplyWorkspaceEditParams struct {
	Label string                 `json:"label,omitempty"`
	Edit  protocol.WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult is the result of workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

// ConfigurationItem selects one configuration section.
type ConfigurationItem struct {
	ScopeURI protocol.DocumentURI `json:"scopeUri,omitempty"`
	Section  string               `json:"section,omitempty"`
}

// ConfigurationParams is the payload of workspace/configuration.
type ConfigurationParams struct {
	Items []ConfigurationItem `json:"items"`
}

// DidChangeTextDocumentParams is the payload of textDocument/didChange. Content changes keep the
// distinction between a ranged edit and a whole-document replacement.
type DidChangeTextDocumentParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []workspace.Change                       `json:"contentChanges"`
}

// WorkspaceFoldersChangeEvent lists added and removed workspace folders.
type WorkspaceFoldersChangeEvent struct {
	Added   []protocol.WorkspaceFolder `json:"added"`
	Removed []protocol.WorkspaceFolder `json:"removed"`
}

// DidChangeWorkspaceFoldersParams is the payload of workspace/didChangeWorkspaceFolders.
type DidChangeWorkspaceFoldersParams struct {
	Event WorkspaceFoldersChangeEvent `json:"event"`
}

// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
const JSONRPCVersion = "2.0"

const (
	// KindInvalid is the kind of a message that matches none of the envelope shapes.
	KindInvalid MessageKind = iota
	// KindRequest is a message with an id and a method.
	KindRequest
	// KindNotification is a message with a method and no id.
	KindNotification
	// KindResponse is a message with an id and either a result or an error.
	KindResponse
)

// Lifecycle and protocol methods the framework handles itself.
const (
	MethodInitialize                = "initialize"
	MethodInitialized               = "initialized"
	MethodShutdown                  = "shutdown"
	MethodExit                      = "exit"
	MethodCancelRequest             = "$/cancelRequest"
	MethodProgress                  = "$/progress"
	MethodSetTrace                  = "$/setTrace"
	MethodLogTrace                  = "$/logTrace"
	MethodWorkDoneProgressCreate    = "window/workDoneProgress/create"
	MethodWorkDoneProgressCancel    = "window/workDoneProgress/cancel"
	MethodClientRegisterCapability  = "client/registerCapability"
	MethodClientUnregisterCapabilty = "client/unregisterCapability"
	MethodWindowShowMessage         = "window/showMessage"
	MethodWindowShowMessageRequest  = "window/showMessageRequest"
	MethodWindowLogMessage          = "window/logMessage"
	MethodWorkspaceApplyEdit        = "workspace/applyEdit"
	MethodWorkspaceConfiguration    = "workspace/configuration"
	MethodWorkspaceExecuteCommand   = "workspace/executeCommand"
	MethodWorkspaceSymbol           = "workspace/symbol"
	MethodWorkspaceDidChangeFolders = "workspace/didChangeWorkspaceFolders"
	MethodWorkspaceDidChangeWatched = "workspace/didChangeWatchedFiles"
	MethodTextDocumentPublishDiags  = "textDocument/publishDiagnostics"
)

// Text document methods with a capability counterpart.
const (
	MethodTextDocumentDidOpen        = "textDocument/didOpen"
	MethodTextDocumentDidChange      = "textDocument/didChange"
	MethodTextDocumentDidClose       = "textDocument/didClose"
	MethodTextDocumentDidSave        = "textDocument/didSave"
	MethodTextDocumentCompletion     = "textDocument/completion"
	MethodCompletionItemResolve      = "completionItem/resolve"
	MethodTextDocumentHover          = "textDocument/hover"
	MethodTextDocumentSignatureHelp  = "textDocument/signatureHelp"
	MethodTextDocumentDefinition     = "textDocument/definition"
	MethodTextDocumentReferences     = "textDocument/references"
	MethodTextDocumentDocumentSymbol = "textDocument/documentSymbol"
	MethodTextDocumentCodeAction     = "textDocument/codeAction"
	MethodTextDocumentFormatting     = "textDocument/formatting"
	MethodTextDocumentRename         = "textDocument/rename"
)

// Standard JSON-RPC error codes and the LSP specific ones.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownError         = -32001
	CodeRequestFailed        = -32803
	CodeServerCancelled      = -32802
	CodeContentModified      = -32801
	CodeRequestCancelled     = -32800
)

const (
	TraceOff      TraceValue = "off"
	TraceMessages TraceValue = "messages"
	TraceVerbose  TraceValue = "verbose"
)

const (
	MessageTypeError MessageType = iota + 1
	MessageTypeWarning
	MessageTypeInfo
	MessageTypeLog
)

// IntID returns an integer request id.
func IntID(n int64) ID {
	return ID{number: n}
}

// StringID returns a string request id.
func StringID(s string) ID {
	return ID{name: s, named: true}
}

// IsString reports whether the id was sent as a JSON string.
func (id ID) IsString() bool {
	return id.named
}

// String returns the id in a form suitable for logs. String ids are quoted so "1" and 1 can be
// told apart.
func (id ID) String() string {
	if id.named {
		return strconv.Quote(id.name)
	}
	return strconv.FormatInt(id.number, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.named {
		return json.Marshal(id.name)
	}
	return []byte(strconv.FormatInt(id.number, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a JSON string or a JSON integer.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to unmarshal string id: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be a string or an integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}

// Kind classifies the message by the fields that are present.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil && (m.Result != nil) != (m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", j.Code, j.Message)
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeError:
		return "error"
	case MessageTypeWarning:
		return "warning"
	case MessageTypeInfo:
		return "info"
	case MessageTypeLog:
		return "log"
	default:
		return strconv.Itoa(int(t))
	}
}
