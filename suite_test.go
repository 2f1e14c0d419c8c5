package lsp_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-lsp"
)

var transportNames = []string{"StdIO", "TCP", "WebSocket", "SSE"}

type testSuite struct {
	cfg testSuiteConfig

	serverTransport lsp.ServerTransport
	clientTransport lsp.ClientTransport
	closeTransports func()

	server   *lsp.Server
	client   *lsp.Client
	exitCode chan int
}

type testSuiteConfig struct {
	transportName string

	register      func(*lsp.Server)
	serverOptions []lsp.ServerOption

	clientFeatures map[string]lsp.HandlerFunc
	clientOptions  []lsp.ClientOption
}

// testSuiteCase runs test against a connected server and client. The session is shut down
// cleanly afterwards and the server is expected to exit with code 0.
func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{cfg: cfg, exitCode: make(chan int, 1)}
		s.setup(t)
		defer s.teardown(t)

		test(t, s)
	}
}

func (s *testSuite) setup(t *testing.T) {
	t.Helper()

	s.serverTransport, s.clientTransport, s.closeTransports = newTransports(t, s.cfg.transportName)

	s.server = lsp.NewServer(lsp.Info{Name: "test-server", Version: "1.0"}, s.serverTransport, s.cfg.serverOptions...)
	if s.cfg.register != nil {
		s.cfg.register(s.server)
	}
	go func() {
		code, err := s.server.Serve(context.Background())
		if err != nil {
			t.Errorf("serve failed: %v", err)
		}
		s.exitCode <- code
	}()

	s.client = lsp.NewClient(lsp.Info{Name: "test-client", Version: "1.0"}, s.clientTransport, s.cfg.clientOptions...)
	for method, fn := range s.cfg.clientFeatures {
		if err := s.client.Feature(method, lsp.Direct, fn); err != nil {
			t.Fatalf("failed to register client feature %s: %v", method, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
}

func (s *testSuite) teardown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if err := s.client.Exit(ctx); err != nil {
		t.Errorf("exit failed: %v", err)
	}
	select {
	case code := <-s.exitCode:
		if code != 0 {
			t.Errorf("expected exit code 0, got %d", code)
		}
	case <-ctx.Done():
		t.Errorf("server did not exit")
	}

	_ = s.client.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
	s.closeTransports()
}

func newTransports(t *testing.T, name string) (lsp.ServerTransport, lsp.ClientTransport, func()) {
	t.Helper()

	switch name {
	case "StdIO":
		srvReader, cliWriter := io.Pipe()
		cliReader, srvWriter := io.Pipe()
		closeAll := func() {
			_ = cliWriter.Close()
			_ = srvWriter.Close()
		}
		return lsp.NewStdIO(srvReader, srvWriter), lsp.NewStdIO(cliReader, cliWriter), closeAll
	case "TCP":
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to listen: %v", err)
		}
		srv := lsp.NewTCPServerFromListener(l)
		return srv, lsp.NewTCPClient(srv.Addr().String()), func() {}
	case "WebSocket":
		srv := lsp.NewWebSocketServer()
		httpServer := httptest.NewServer(srv)
		cli := lsp.NewWebSocketClient("ws" + strings.TrimPrefix(httpServer.URL, "http"))
		return srv, cli, httpServer.Close
	case "SSE":
		mux := http.NewServeMux()
		httpServer := httptest.NewServer(mux)
		srv := lsp.NewSSEServer(httpServer.URL + "/message")
		mux.Handle("/sse", srv.HandleSSE())
		mux.Handle("/message", srv.HandleMessage())
		cli := lsp.NewSSEClient(httpServer.URL+"/sse", httpServer.Client())
		return srv, cli, httpServer.Close
	default:
		t.Fatalf("unknown transport %s", name)
	}
	return nil, nil, nil
}

func forEachTransport(t *testing.T, name string, cfg testSuiteConfig, test func(*testing.T, *testSuite)) {
	for _, transportName := range transportNames {
		cfg.transportName = transportName
		t.Run(fmt.Sprintf("%s/%s", transportName, name), testSuiteCase(cfg, test))
	}
}
