package words

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/go-lsp"
	"github.com/MegaGrindStone/go-lsp/workspace"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// CountArgs is the optional argument of the words.count command. An empty URI counts every
// open document.
type CountArgs struct {
	URI protocol.DocumentURI `json:"uri,omitempty"`
}

// CountResult is the result of the words.count command.
type CountResult struct {
	Documents int `json:"documents"`
	Words     int `json:"words"`
	Unique    int `json:"unique"`
}

var errCountCancelled = &lsp.JSONRPCError{Code: lsp.CodeRequestCancelled, Message: "count cancelled"}

func (s *Server) count(ctx context.Context, conn *lsp.Conn, args CountArgs) (CountResult, error) {
	docs, err := s.countTargets(conn, args)
	if err != nil {
		return CountResult{}, err
	}

	var token *lsp.ProgressToken
	if supportsWorkDoneProgress(conn) {
		t := lsp.StringID(uuid.New().String())
		if err := conn.Progress().Create(ctx, t); err != nil {
			s.logger.Warn("failed to create progress", slog.String("err", err.Error()))
		} else {
			token = &t
		}
	}

	progress := conn.Progress()
	if token != nil {
		err := progress.Begin(ctx, *token, lsp.WorkDoneProgressBegin{
			Title:       "Counting words",
			Cancellable: true,
			Percentage:  percentage(0, len(docs)),
		})
		if err != nil {
			s.logger.Warn("failed to begin progress", slog.String("err", err.Error()))
		}
	}

	result := CountResult{Documents: len(docs)}
	unique := make(map[string]struct{})
	for i, doc := range docs {
		if ctx.Err() != nil || (token != nil && progress.IsCancelled(*token)) {
			if token != nil {
				err := progress.End(context.WithoutCancel(ctx), *token, lsp.WorkDoneProgressEnd{Message: "cancelled"})
				if err != nil {
					s.logger.Warn("failed to end progress", slog.String("err", err.Error()))
				}
			}
			return CountResult{}, errCountCancelled
		}

		words := doc.Words()
		result.Words += len(words)
		for _, w := range words {
			unique[w] = struct{}{}
		}

		if token != nil {
			err := progress.Report(ctx, *token, lsp.WorkDoneProgressReport{
				Message:    string(doc.URI),
				Percentage: percentage(i+1, len(docs)),
			})
			if err != nil {
				s.logger.Warn("failed to report progress",
					slog.String("uri", string(doc.URI)), slog.String("err", err.Error()))
			}
		}
		if s.cfg.CountDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.CountDelay):
			}
		}
	}
	result.Unique = len(unique)

	if token != nil {
		err := progress.End(ctx, *token, lsp.WorkDoneProgressEnd{
			Message: fmt.Sprintf("%d words in %d documents", result.Words, result.Documents),
		})
		if err != nil {
			s.logger.Warn("failed to end progress", slog.String("err", err.Error()))
		}
	}
	return result, nil
}

func (s *Server) countTargets(conn *lsp.Conn, args CountArgs) ([]workspace.Document, error) {
	ws := conn.Workspace()
	if args.URI == "" {
		return ws.Documents(), nil
	}
	doc, ok := ws.GetDocument(args.URI)
	if !ok {
		return nil, &lsp.JSONRPCError{
			Code:    lsp.CodeInvalidParams,
			Message: fmt.Sprintf("%s: %s", workspace.ErrUnknownDocument, args.URI),
		}
	}
	return []workspace.Document{doc}, nil
}

type windowCapabilities struct {
	Window struct {
		WorkDoneProgress bool `json:"workDoneProgress"`
	} `json:"window"`
}

func supportsWorkDoneProgress(conn *lsp.Conn) bool {
	params := conn.InitializeParams()
	if params == nil || len(params.Capabilities) == 0 {
		return false
	}
	var caps windowCapabilities
	if err := json.Unmarshal(params.Capabilities, &caps); err != nil {
		return false
	}
	return caps.Window.WorkDoneProgress
}

func percentage(done, total int) *uint32 {
	p := uint32(100)
	if total > 0 {
		p = uint32(done * 100 / total)
	}
	return &p
}
