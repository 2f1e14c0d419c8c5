package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/servers/words"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// transportFlag is the --transport flag value.
type transportFlag string

var transports = []string{"stdio", "tcp", "websocket", "sse"}

var _ pflag.Value = (*transportFlag)(nil)

func (t *transportFlag) String() string { return string(*t) }

func (t *transportFlag) Set(v string) error {
	v = strings.ToLower(v)
	if !slices.Contains(transports, v) {
		return fmt.Errorf("must be one of %s", strings.Join(transports, ", "))
	}
	*t = transportFlag(v)
	return nil
}

func (t *transportFlag) Type() string { return "transport" }

type serveOptions struct {
	transport transportFlag
	addr      string
	workers   int
}

func newServeCmd(root *rootCmd) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.config()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("transport") {
				cfg.Transport = opts.transport.String()
			}
			if flags.Changed("addr") {
				cfg.Addr = opts.addr
			}
			if flags.Changed("workers") {
				cfg.Workers = opts.workers
			}
			code, err := serve(cmd.Context(), cfg)
			root.exitCode = code
			return err
		},
	}

	flags := cmd.Flags()
	flags.VarP(&opts.transport, "transport", "t", "transport: "+strings.Join(transports, ", ")+" (default stdio)")
	flags.StringVar(&opts.addr, "addr", "", "listen address for the tcp, websocket and sse transports (default 127.0.0.1:7777)")
	flags.IntVar(&opts.workers, "workers", 0, "size of the worker pool running thread pool handlers")

	return cmd
}

func serve(ctx context.Context, cfg config) (int, error) {
	logger, err := cfg.newLogger()
	if err != nil {
		return 1, err
	}
	syncKind, err := cfg.syncKind()
	if err != nil {
		return 1, err
	}

	wordsSrv, err := words.New(cfg.Words, words.WithLogger(logger))
	if err != nil {
		return 1, err
	}

	transport, httpHandler, err := newServerTransport(cfg, logger)
	if err != nil {
		return 1, err
	}

	srvOptions := []lsp.ServerOption{
		lsp.WithServerLogger(logger),
		lsp.WithSyncKind(syncKind),
		lsp.WithServerOnClientConnected(func(id string, info lsp.Info) {
			logger.Info("client connected", slog.String("sessionID", id), slog.String("client", info.Name))
		}),
		lsp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}
	if cfg.StrictSync {
		srvOptions = append(srvOptions, lsp.WithStrictSync())
	}
	if cfg.Workers > 0 {
		srvOptions = append(srvOptions, lsp.WithServerWorkers(cfg.Workers))
	}
	if cfg.RequestTimeout > 0 {
		srvOptions = append(srvOptions, lsp.WithServerRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.VerboseErrors {
		srvOptions = append(srvOptions, lsp.WithServerVerboseErrors())
	}
	srv := lsp.NewServer(lsp.Info{Name: "words", Version: "0.1.0"}, transport, srvOptions...)
	if err := wordsSrv.Register(srv); err != nil {
		return 1, err
	}

	var httpSrv *http.Server
	if httpHandler != nil {
		httpSrv = &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpHandler,
			ReadHeaderTimeout: 15 * time.Second,
		}
	}

	exitCode := 1
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stop := context.AfterFunc(gCtx, func() {
			sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sCtx); err != nil {
				logger.Warn("failed to shutdown server", slog.String("err", err.Error()))
			}
		})
		defer stop()

		code, err := srv.Serve(gCtx)
		exitCode = code
		if httpSrv != nil {
			sCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(sCtx)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if httpSrv != nil {
		g.Go(func() error {
			logger.Info("listening", slog.String("addr", cfg.Addr), slog.String("transport", cfg.Transport))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 1, err
	}
	return exitCode, nil
}

// newServerTransport returns the transport selected by cfg and, for the HTTP based
// transports, the handler that has to be served.
func newServerTransport(cfg config, logger *slog.Logger) (lsp.ServerTransport, http.Handler, error) {
	switch cfg.Transport {
	case "stdio":
		return lsp.NewStdIO(os.Stdin, os.Stdout, lsp.WithStdIOLogger(logger)), nil, nil
	case "tcp":
		l, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen: %w", err)
		}
		logger.Info("listening", slog.String("addr", l.Addr().String()), slog.String("transport", "tcp"))
		return lsp.NewTCPServerFromListener(l, lsp.WithTCPServerLogger(logger)), nil, nil
	case "websocket":
		ws := lsp.NewWebSocketServer(lsp.WithWebSocketServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/", ws)
		return ws, mux, nil
	case "sse":
		sse := lsp.NewSSEServer(fmt.Sprintf("http://%s/message", cfg.Addr), lsp.WithSSEServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/sse", sse.HandleSSE())
		mux.Handle("/message", sse.HandleMessage())
		return sse, mux, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
