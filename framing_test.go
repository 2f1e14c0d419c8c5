package lsp_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-lsp"
)

func TestFrameReaderRead(t *testing.T) {
	type testCase struct {
		name    string
		input   string
		maxSize int
		want    []string
		// wantFrameErrs counts the *FrameError results before the stream ends.
		wantFrameErrs int
		wantEnd       error
	}

	testCases := []testCase{
		{
			name:    "single frame",
			input:   "Content-Length: 2\r\n\r\n{}",
			want:    []string{"{}"},
			wantEnd: io.EOF,
		},
		{
			name: "two frames with content type",
			input: "Content-Length: 2\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n{}" +
				"Content-Length: 4\r\n\r\nnull",
			want:    []string{"{}", "null"},
			wantEnd: io.EOF,
		},
		{
			name:    "multibyte body counted in bytes",
			input:   "Content-Length: 8\r\n\r\n\"héllo\"",
			want:    []string{`"héllo"`},
			wantEnd: io.EOF,
		},
		{
			name:          "header names are case sensitive",
			input:         "content-length: 2\r\n\r\n{}Content-Length: 2\r\n\r\n[]",
			want:          []string{"[]"},
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:          "missing content length",
			input:         "Content-Type: application/json\r\n\r\n",
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:          "invalid content length",
			input:         "Content-Length: abc\r\n\r\n",
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:          "unsupported charset",
			input:         "Content-Length: 2\r\nContent-Type: application/vscode-jsonrpc; charset=latin1\r\n\r\n{}Content-Length: 2\r\n\r\n[]",
			want:          []string{"[]"},
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:          "body over limit is skipped",
			input:         "Content-Length: 10\r\n\r\n0123456789Content-Length: 2\r\n\r\n{}",
			maxSize:       5,
			want:          []string{"{}"},
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:          "content length out of range",
			input:         "Content-Length: 99999999999999999999\r\n\r\nContent-Length: 2\r\n\r\n{}",
			want:          []string{"{}"},
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:          "negative content length",
			input:         "Content-Length: -1\r\n\r\n",
			wantFrameErrs: 1,
			wantEnd:       io.EOF,
		},
		{
			name:    "huge content length without limit",
			input:   "Content-Length: 9223372036854775807\r\n\r\n{}",
			wantEnd: io.ErrUnexpectedEOF,
		},
		{
			name:    "huge content length over limit",
			input:   "Content-Length: 9223372036854775807\r\n\r\n{}",
			maxSize: 5,
			wantEnd: io.ErrUnexpectedEOF,
		},
		{
			name:    "truncated body",
			input:   "Content-Length: 10\r\n\r\n{}",
			wantEnd: io.ErrUnexpectedEOF,
		},
		{
			name:    "truncated header",
			input:   "Content-Length: 10\r\n",
			wantEnd: io.ErrUnexpectedEOF,
		},
		{
			name:    "empty stream",
			input:   "",
			wantEnd: io.EOF,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fr := lsp.NewFrameReader(strings.NewReader(tc.input), tc.maxSize)

			var bodies []string
			frameErrs := 0
			var end error
			for i := 0; i < 10; i++ {
				body, err := fr.Read()
				if err == nil {
					bodies = append(bodies, string(body))
					continue
				}
				var frameErr *lsp.FrameError
				if errors.As(err, &frameErr) {
					frameErrs++
					continue
				}
				end = err
				break
			}

			if strings.Join(bodies, "|") != strings.Join(tc.want, "|") {
				t.Errorf("expected bodies %q, got %q", tc.want, bodies)
			}
			if frameErrs != tc.wantFrameErrs {
				t.Errorf("expected %d frame errors, got %d", tc.wantFrameErrs, frameErrs)
			}
			if !errors.Is(end, tc.wantEnd) {
				t.Errorf("expected end %v, got %v", tc.wantEnd, end)
			}
		})
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	bodies := []string{`{"jsonrpc":"2.0","method":"a"}`, `{"text":"😀"}`}
	for _, b := range bodies {
		if err := lsp.WriteFrame(&buf, []byte(b)); err != nil {
			t.Fatalf("failed to write frame: %v", err)
		}
	}

	if !strings.HasPrefix(buf.String(), "Content-Length: 30\r\nContent-Type: "+lsp.DefaultContentType+"\r\n\r\n") {
		t.Errorf("unexpected header: %q", buf.String())
	}

	fr := lsp.NewFrameReader(&buf, 0)
	for _, want := range bodies {
		got, err := fr.Read()
		if err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		if string(got) != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if _, err := fr.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}
