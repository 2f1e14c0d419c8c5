package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/servers/words"
	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

type countOptions struct {
	transport transportFlag
	addr      string
	timeout   time.Duration
}

func newCountCmd(root *rootCmd) *cobra.Command {
	opts := countOptions{transport: "tcp"}
	cmd := &cobra.Command{
		Use:   "count [files...]",
		Short: "Open files on a running server and count their words",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			logger, err := cfg.newLogger()
			if err != nil {
				return err
			}
			if err := count(cmd.Context(), cmd.OutOrStdout(), logger, opts, args); err != nil {
				return err
			}
			root.exitCode = 0
			return nil
		},
	}

	flags := cmd.Flags()
	flags.VarP(&opts.transport, "transport", "t", "transport: tcp, websocket or sse")
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:7777", "address of the running server")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout of the whole exchange")

	return cmd
}

func newClientTransport(opts countOptions, logger *slog.Logger) (lsp.ClientTransport, error) {
	switch opts.transport {
	case "tcp":
		return lsp.NewTCPClient(opts.addr, lsp.WithTCPClientLogger(logger)), nil
	case "websocket":
		return lsp.NewWebSocketClient(fmt.Sprintf("ws://%s/", opts.addr), lsp.WithWebSocketClientLogger(logger)), nil
	case "sse":
		return lsp.NewSSEClient(fmt.Sprintf("http://%s/sse", opts.addr), http.DefaultClient, lsp.WithSSEClientLogger(logger)), nil
	default:
		return nil, fmt.Errorf("transport %q cannot connect to a running server", opts.transport)
	}
}

func count(ctx context.Context, out io.Writer, logger *slog.Logger, opts countOptions, files []string) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	transport, err := newClientTransport(opts, logger)
	if err != nil {
		return err
	}

	cli := lsp.NewClient(lsp.Info{Name: "words-count", Version: "0.1.0"}, transport,
		lsp.WithClientLogger(logger),
		lsp.WithClientCapabilities(json.RawMessage(`{"window":{"workDoneProgress":true}}`)))
	features := map[string]lsp.HandlerFunc{
		lsp.MethodWorkDoneProgressCreate: lsp.Fn(func(context.Context, *lsp.Conn, lsp.WorkDoneProgressCreateParams) (any, error) {
			return nil, nil
		}),
		lsp.MethodProgress: lsp.Proc(func(_ context.Context, _ *lsp.Conn, p lsp.ProgressParams) error {
			logger.Debug("progress", slog.String("token", p.Token.String()), slog.Any("value", p.Value))
			return nil
		}),
		lsp.MethodClientRegisterCapability: lsp.Fn(func(context.Context, *lsp.Conn, lsp.RegistrationParams) (any, error) {
			return nil, nil
		}),
		lsp.MethodTextDocumentPublishDiags: lsp.Proc(func(_ context.Context, _ *lsp.Conn, p lsp.PublishDiagnosticsParams) error {
			for _, d := range p.Diagnostics {
				fmt.Fprintf(out, "%s:%d:%d: %s\n", p.URI, d.Range.Start.Line+1, d.Range.Start.Character+1, d.Message)
			}
			return nil
		}),
	}
	for method, fn := range features {
		if err := cli.Feature(method, lsp.Direct, fn); err != nil {
			return err
		}
	}

	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := cli.Close(); err != nil {
			logger.Warn("client closed with error", slog.String("err", err.Error()))
		}
	}()

	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		text, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		err = cli.Notify(ctx, lsp.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        uri.File(abs),
				LanguageID: "plaintext",
				Version:    1,
				Text:       string(text),
			},
		})
		if err != nil {
			return err
		}
	}

	var result words.CountResult
	err = cli.Request(ctx, lsp.MethodWorkspaceExecuteCommand, protocol.ExecuteCommandParams{Command: words.CountCommand}, &result)
	if err != nil {
		return fmt.Errorf("failed to count: %w", err)
	}
	bs, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(bs))

	if err := cli.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	if err := cli.Exit(ctx); err != nil && !errors.Is(err, lsp.ErrSessionClosed) {
		return err
	}
	return nil
}
