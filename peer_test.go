package lsp_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-lsp"
)

// rawPeer speaks framed JSON-RPC to a server without going through the dispatch core, so tests
// control exactly what is sent and observe exactly what comes back.
type rawPeer struct {
	t    *testing.T
	w    io.Writer
	msgs chan lsp.JSONRPCMessage
}

type serverHarness struct {
	peer     *rawPeer
	server   *lsp.Server
	exitCode chan int
	closeIn  func()
}

func startServer(t *testing.T, register func(*lsp.Server), options ...lsp.ServerOption) *serverHarness {
	t.Helper()

	srvReader, peerWriter := io.Pipe()
	peerReader, srvWriter := io.Pipe()

	srv := lsp.NewServer(lsp.Info{Name: "test-server", Version: "1.0"}, lsp.NewStdIO(srvReader, srvWriter), options...)
	if register != nil {
		register(srv)
	}

	h := &serverHarness{
		peer: &rawPeer{
			t:    t,
			w:    peerWriter,
			msgs: make(chan lsp.JSONRPCMessage, 128),
		},
		server:   srv,
		exitCode: make(chan int, 1),
		closeIn:  func() { _ = peerWriter.Close() },
	}

	go func() {
		defer close(h.peer.msgs)
		fr := lsp.NewFrameReader(peerReader, 0)
		for {
			body, err := fr.Read()
			if err != nil {
				return
			}
			msg, err := lsp.DecodeMessage(body)
			if err != nil {
				t.Errorf("server sent an invalid message %s: %v", body, err)
				continue
			}
			h.peer.msgs <- msg
		}
	}()

	go func() {
		code, err := srv.Serve(context.Background())
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("serve failed: %v", err)
		}
		h.exitCode <- code
	}()

	t.Cleanup(func() {
		h.closeIn()
		select {
		case <-h.exitCode:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
		_ = srvWriter.Close()
		_ = peerReader.Close()
	})

	return h
}

// waitExit waits for Serve to return and reports its exit code.
func (h *serverHarness) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.exitCode:
		// Cleanup waits on the channel too.
		h.exitCode <- code
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit")
	}
	return -1
}

func (p *rawPeer) send(format string, args ...any) {
	p.t.Helper()
	if err := lsp.WriteFrame(p.w, []byte(fmt.Sprintf(format, args...))); err != nil {
		p.t.Fatalf("failed to write frame: %v", err)
	}
}

func (p *rawPeer) request(id int, method string, params string) {
	p.t.Helper()
	if params == "" {
		p.send(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method)
		return
	}
	p.send(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, params)
}

func (p *rawPeer) notify(method string, params string) {
	p.t.Helper()
	if params == "" {
		p.send(`{"jsonrpc":"2.0","method":%q}`, method)
		return
	}
	p.send(`{"jsonrpc":"2.0","method":%q,"params":%s}`, method, params)
}

// next returns the next message the server sent.
func (p *rawPeer) next() lsp.JSONRPCMessage {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		if !ok {
			p.t.Fatal("server closed the stream")
		}
		return msg
	case <-time.After(3 * time.Second):
		p.t.Fatal("timed out waiting for a message")
	}
	return lsp.JSONRPCMessage{}
}

// response returns the next response, skipping notifications and requests from the server.
func (p *rawPeer) response() lsp.JSONRPCMessage {
	p.t.Helper()
	for {
		msg := p.next()
		if msg.Kind() == lsp.KindResponse {
			return msg
		}
	}
}

// responseTo returns the next response and checks it answers id.
func (p *rawPeer) responseTo(id int) lsp.JSONRPCMessage {
	p.t.Helper()
	msg := p.response()
	if *msg.ID != lsp.IntID(int64(id)) {
		p.t.Fatalf("expected response to %d, got response to %s", id, msg.ID)
	}
	return msg
}

func (p *rawPeer) initialize() {
	p.t.Helper()
	p.request(0, lsp.MethodInitialize, `{"processId":1,"capabilities":{}}`)
	if msg := p.responseTo(0); msg.Error != nil {
		p.t.Fatalf("initialize failed: %v", msg.Error)
	}
	p.notify(lsp.MethodInitialized, `{}`)
}

func errorCode(msg lsp.JSONRPCMessage) int {
	if msg.Error == nil {
		return 0
	}
	return msg.Error.Code
}
