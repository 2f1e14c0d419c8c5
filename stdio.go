package lsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a Content-Length framed transport over an io.Reader/io.Writer pair, usually
// the process's stdin and stdout. It provides a single persistent session and can be used as
// either ServerTransport or ClientTransport.
//
// Writes are serialized through one writer goroutine, so concurrent senders never interleave
// frames. Proper initialization requires using the NewStdIO constructor function.
type StdIO struct {
	sess   *streamSession
	closed chan struct{}

	logger  *slog.Logger
	maxSize int
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// streamSession carries framed bodies over a byte stream. It backs the StdIO and TCP transports.
type streamSession struct {
	id      string
	reader  io.Reader
	writer  io.Writer
	closer  io.Closer
	logger  *slog.Logger
	maxSize int

	writeMessages chan streamMessage
	frames        chan streamFrame
	readOnce      sync.Once
	stopOnce      sync.Once
	done          chan struct{}
	writeClosed   chan struct{}
}

type streamMessage struct {
	body []byte
	errs chan error
}

type streamFrame struct {
	body []byte
	err  error
}

// defaultMaxMessageSize bounds a Content-Length framed body unless a transport option says
// otherwise. It matches the read limit of the WebSocket transports.
var defaultMaxMessageSize = int(defaultWebSocketReadLimit)

// ErrSessionClosed is returned when sending on a session that was stopped.
var ErrSessionClosed = errors.New("session closed")

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// WithStdIOMaxMessageSize limits the size of a received message body. Larger frames are
// skipped and reported as *FrameError. The limit defaults to defaultMaxMessageSize, zero or
// less removes it.
func WithStdIOMaxMessageSize(size int) StdIOOption {
	return func(s *StdIO) {
		s.maxSize = size
	}
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		closed:  make(chan struct{}),
		logger:  slog.Default(),
		maxSize: defaultMaxMessageSize,
	}
	for _, opt := range options {
		opt(s)
	}
	logger := s.logger.With(slog.String("package", "go-lsp"), slog.String("component", "stdio"))
	s.sess = newStreamSession(reader, writer, nil, logger, s.maxSize)

	return s
}

// Sessions implements the ServerTransport interface by providing an iterator that yields
// a single persistent session. The iteration ends once that session is stopped.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// StdIO only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by stopping the session and waiting for
// the Sessions iteration to end.
func (s *StdIO) Shutdown(ctx context.Context) error {
	s.sess.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface by returning the single session.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	return s.sess, nil
}

// newStreamSession starts the writer goroutine of a session over reader and writer. closer, if
// not nil, is closed when the session stops, which also unblocks a pending read.
func newStreamSession(reader io.Reader, writer io.Writer, closer io.Closer, logger *slog.Logger, maxSize int) *streamSession {
	s := &streamSession{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		closer:        closer,
		logger:        logger,
		maxSize:       maxSize,
		writeMessages: make(chan streamMessage),
		frames:        make(chan streamFrame),
		done:          make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	go s.processWriteMessages()
	return s
}

func (s *streamSession) ID() string {
	return s.id
}

func (s *streamSession) Send(ctx context.Context, body []byte) error {
	ioMsg := streamMessage{
		body: body,
		errs: make(chan error, 1),
	}

	// Queue the message so only the writer goroutine touches the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write frame", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *streamSession) Messages() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.readOnce.Do(func() {
			go s.readFrames()
		})

		for {
			var frame streamFrame
			var ok bool
			select {
			case <-s.done:
				return
			case frame, ok = <-s.frames:
			}
			if !ok {
				return
			}
			if !yield(frame.body, frame.err) {
				return
			}
		}
	}
}

func (s *streamSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			if err := s.closer.Close(); err != nil {
				s.logger.Warn("failed to close stream", slog.String("err", err.Error()))
			}
		}
	})
	<-s.writeClosed
}

// readFrames owns the reader. A blocked read cannot be interrupted, so the goroutine only
// notices the session is done when the next frame or error arrives.
func (s *streamSession) readFrames() {
	defer close(s.frames)

	fr := NewFrameReader(s.reader, s.maxSize)
	for {
		body, err := fr.Read()
		if errors.Is(err, io.EOF) {
			s.logger.Debug("input closed")
			return
		}
		if err != nil {
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				err = fmt.Errorf("failed to read frame: %w", err)
			}
		}

		select {
		case <-s.done:
			return
		case s.frames <- streamFrame{body: body, err: err}:
		}

		var frameErr *FrameError
		if err != nil && !errors.As(err, &frameErr) {
			return
		}
	}
}

func (s *streamSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg streamMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		msg.errs <- WriteFrame(s.writer, msg.body)
	}
}
