package lsp

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// ShowMessage asks the client to display a message to the user.
func (c *Conn) ShowMessage(ctx context.Context, typ MessageType, message string) error {
	return c.Notify(ctx, MethodWindowShowMessage, ShowMessageParams{Type: typ, Message: message})
}

// LogMessage asks the client to log a message.
func (c *Conn) LogMessage(ctx context.Context, typ MessageType, message string) error {
	return c.Notify(ctx, MethodWindowLogMessage, ShowMessageParams{Type: typ, Message: message})
}

// PublishDiagnostics replaces the diagnostics the client shows for a document. An empty slice
// clears them.
func (c *Conn) PublishDiagnostics(ctx context.Context, params PublishDiagnosticsParams) error {
	if params.Diagnostics == nil {
		params.Diagnostics = []protocol.Diagnostic{}
	}
	return c.Notify(ctx, MethodTextDocumentPublishDiags, params)
}

// ShowMessageRequest displays a message with actions and returns the action the user picked,
// or nil when the message was dismissed.
func (c *Conn) ShowMessageRequest(ctx context.Context, params ShowMessageRequestParams) (*MessageActionItem, error) {
	var result *MessageActionItem
	if err := c.Request(ctx, MethodWindowShowMessageRequest, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyEdit asks the client to apply a workspace edit.
func (c *Conn) ApplyEdit(ctx context.Context, params ApplyWorkspaceEditParams) (ApplyWorkspaceEditResult, error) {
	var result ApplyWorkspaceEditResult
	if err := c.Request(ctx, MethodWorkspaceApplyEdit, params, &result); err != nil {
		return ApplyWorkspaceEditResult{}, err
	}
	return result, nil
}

// RegisterCapability dynamically registers capabilities with the client.
func (c *Conn) RegisterCapability(ctx context.Context, registrations ...Registration) error {
	return c.Request(ctx, MethodClientRegisterCapability, RegistrationParams{Registrations: registrations}, nil)
}

// UnregisterCapability removes dynamically registered capabilities.
func (c *Conn) UnregisterCapability(ctx context.Context, unregistrations ...Unregistration) error {
	params := UnregistrationParams{Unregistrations: unregistrations}
	return c.Request(ctx, MethodClientUnregisterCapabilty, params, nil)
}

// WorkspaceConfiguration fetches configuration sections from the client, one raw value per
// requested item.
func (c *Conn) WorkspaceConfiguration(ctx context.Context, items ...ConfigurationItem) ([]json.RawMessage, error) {
	var result []json.RawMessage
	if err := c.Request(ctx, MethodWorkspaceConfiguration, ConfigurationParams{Items: items}, &result); err != nil {
		return nil, err
	}
	if len(result) != len(items) {
		return nil, fmt.Errorf("expected %d configuration values, got %d", len(items), len(result))
	}
	return result, nil
}

// CreateWorkDoneProgress asks the client to create a progress token. See Progress.Create.
func (c *Conn) CreateWorkDoneProgress(ctx context.Context, token ProgressToken) error {
	return c.progress.Create(ctx, token)
}
