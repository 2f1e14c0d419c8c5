package lsp_test

import (
	"sync"
	"testing"

	"github.com/MegaGrindStone/go-lsp"
)

type admission struct {
	method    string
	isRequest bool
	wantCode  int
}

func TestLifecycleAdmit(t *testing.T) {
	type testCase struct {
		name      string
		steps     []admission
		wantState lsp.ConnState
		wantCode  int
	}

	testCases := []testCase{
		{
			name: "request before initialize",
			steps: []admission{
				{lsp.MethodTextDocumentHover, true, lsp.CodeServerNotInitialized},
			},
			wantState: lsp.StateUninitialized,
			wantCode:  1,
		},
		{
			name: "request while initializing",
			steps: []admission{
				{lsp.MethodInitialize, true, 0},
				{lsp.MethodTextDocumentHover, true, lsp.CodeServerNotInitialized},
				{lsp.MethodInitialized, false, 0},
				{lsp.MethodTextDocumentHover, true, 0},
			},
			wantState: lsp.StateInitialized,
			wantCode:  1,
		},
		{
			name: "second initialize",
			steps: []admission{
				{lsp.MethodInitialize, true, 0},
				{lsp.MethodInitialized, false, 0},
				{lsp.MethodInitialize, true, lsp.CodeInvalidRequest},
			},
			wantState: lsp.StateInitialized,
			wantCode:  1,
		},
		{
			name: "clean shutdown",
			steps: []admission{
				{lsp.MethodInitialize, true, 0},
				{lsp.MethodInitialized, false, 0},
				{lsp.MethodShutdown, true, 0},
				{lsp.MethodTextDocumentHover, true, lsp.CodeInvalidRequest},
				{lsp.MethodExit, false, 0},
			},
			wantState: lsp.StateExited,
			wantCode:  0,
		},
		{
			name: "exit without shutdown",
			steps: []admission{
				{lsp.MethodInitialize, true, 0},
				{lsp.MethodInitialized, false, 0},
				{lsp.MethodExit, false, 0},
			},
			wantState: lsp.StateExited,
			wantCode:  1,
		},
		{
			name: "exit before initialize",
			steps: []admission{
				{lsp.MethodExit, false, 0},
			},
			wantState: lsp.StateExited,
			wantCode:  1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var l lsp.Lifecycle
			for i, step := range tc.steps {
				jErr := l.Admit(step.method, step.isRequest)
				code := 0
				if jErr != nil {
					code = jErr.Code
				}
				if code != step.wantCode {
					t.Errorf("step %d (%s): expected code %d, got %d", i, step.method, step.wantCode, code)
				}
			}
			if l.State() != tc.wantState {
				t.Errorf("expected state %s, got %s", tc.wantState, l.State())
			}
			if l.ExitCode() != tc.wantCode {
				t.Errorf("expected exit code %d, got %d", tc.wantCode, l.ExitCode())
			}
		})
	}
}

func TestLifecycleConcurrentInitialize(t *testing.T) {
	var l lsp.Lifecycle

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit(lsp.MethodInitialize, true) == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	n := 0
	for range admitted {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly one initialize to be admitted, got %d", n)
	}
}

func TestLifecycleForceExit(t *testing.T) {
	var l lsp.Lifecycle
	l.Admit(lsp.MethodInitialize, true)

	if !l.ForceExit() {
		t.Error("expected the first ForceExit to change state")
	}
	if l.ForceExit() {
		t.Error("expected the second ForceExit to be a no-op")
	}
	if l.ExitReceived() {
		t.Error("a forced exit is not an exit notification")
	}
	if l.ExitCode() != 1 {
		t.Errorf("expected exit code 1, got %d", l.ExitCode())
	}
}

func TestLifecycleInitializeFailed(t *testing.T) {
	var l lsp.Lifecycle

	if l.InitializeFailed() {
		t.Error("expected no rollback before initialize")
	}
	if err := l.Admit(lsp.MethodInitialize, true); err != nil {
		t.Fatalf("unexpected refusal: %v", err)
	}
	if !l.InitializeFailed() {
		t.Fatal("expected rollback while initializing")
	}
	if l.State() != lsp.StateUninitialized {
		t.Errorf("expected %s, got %s", lsp.StateUninitialized, l.State())
	}

	if err := l.Admit(lsp.MethodInitialize, true); err != nil {
		t.Fatalf("expected a second initialize to be admitted, got %v", err)
	}
	if err := l.Admit(lsp.MethodInitialized, false); err != nil {
		t.Fatalf("unexpected refusal: %v", err)
	}
	if l.InitializeFailed() {
		t.Error("expected no rollback once initialized")
	}
	if l.State() != lsp.StateInitialized {
		t.Errorf("expected %s, got %s", lsp.StateInitialized, l.State())
	}
}
