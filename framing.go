package lsp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FrameReader reads Content-Length delimited message bodies from a byte stream.
//
// A FrameReader is not safe for concurrent use; a session owns exactly one reader.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int64
}

// FrameError reports a malformed frame. The stream is still positioned at a frame boundary
// (or at header lines that are skipped until the next one), so the caller may keep reading.
type FrameError struct {
	Reason string
}

const (
	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"

	// DefaultContentType is the Content-Type written on every outbound frame.
	DefaultContentType = "application/vscode-jsonrpc; charset=utf-8"
)

// NewFrameReader wraps r. If r already is a *bufio.Reader it is used directly. maxSize limits
// the body size, zero or less means unlimited.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameReader{r: br, maxSize: int64(maxSize)}
}

// Read returns the next message body. It blocks until the whole body has arrived.
//
// io.EOF is returned when the stream ends before any header byte of a new frame; a stream ending
// anywhere inside a frame yields io.ErrUnexpectedEOF. A *FrameError is returned for a frame
// with a missing or invalid Content-Length; the body of such a frame cannot be located, so its
// bytes are consumed as header lines by the following calls. A body over the size limit is
// discarded and reported as *FrameError.
//
// The body buffer grows with the bytes that arrive, never with the declared length.
func (f *FrameReader) Read() ([]byte, error) {
	length := int64(-1)
	started := false
	var frameErr *FrameError

	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !started && line == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		started = true

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		// Resynchronize after an unsized body that ran into the next header.
		if i := strings.Index(line, headerContentLength+":"); i > 0 {
			line = line[i:]
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			// Not a header, most likely the body of a frame we could not size.
			continue
		}
		value = strings.TrimSpace(value)

		switch name {
		case headerContentLength:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				frameErr = &FrameError{Reason: fmt.Sprintf("invalid Content-Length %q", value)}
				continue
			}
			length = n
		case headerContentType:
			if cs := charset(value); cs != "" && cs != "utf-8" && cs != "utf8" {
				frameErr = &FrameError{Reason: fmt.Sprintf("unsupported charset %q", cs)}
			}
		}
	}

	if length < 0 {
		if frameErr != nil {
			return nil, frameErr
		}
		return nil, &FrameError{Reason: "missing Content-Length header"}
	}
	if f.maxSize > 0 && length > f.maxSize {
		if _, err := io.CopyN(io.Discard, f.r, length); err != nil {
			return nil, bodyError(err)
		}
		return nil, &FrameError{Reason: fmt.Sprintf("body of %d bytes exceeds limit of %d", length, f.maxSize)}
	}

	var body bytes.Buffer
	if _, err := io.CopyN(&body, f.r, length); err != nil {
		return nil, bodyError(err)
	}
	if frameErr != nil {
		return nil, frameErr
	}

	return body.Bytes(), nil
}

func bodyError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return fmt.Errorf("failed to read body: %w", err)
}

// WriteFrame writes body to w preceded by its Content-Length and Content-Type headers. The
// length is the byte length of body, which is UTF-8 encoded JSON. Callers serialize concurrent
// writes to the same w.
func WriteFrame(w io.Writer, body []byte) error {
	header := fmt.Sprintf("%s: %d\r\n%s: %s\r\n\r\n", headerContentLength, len(body),
		headerContentType, DefaultContentType)

	bw := bufio.NewWriterSize(w, len(header)+len(body))
	if _, err := bw.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := bw.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush frame: %w", err)
	}
	return nil
}

func (e *FrameError) Error() string {
	return "malformed frame: " + e.Reason
}

func charset(contentType string) string {
	for _, part := range strings.Split(contentType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "charset") {
			return strings.ToLower(strings.Trim(v, `"`))
		}
	}
	return ""
}
