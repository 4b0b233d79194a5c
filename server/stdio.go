package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oakmoss/conductor/internal/ndjson"
	"github.com/oakmoss/conductor/orchestrator"
)

// StdioLoop speaks the command protocol over a byte stream, one JSON frame
// per line. Responses and relayed events share the same writer, which
// serializes them so frames never interleave.
type StdioLoop struct {
	dispatcher  *Dispatcher
	broadcaster *orchestrator.Broadcaster
	logger      *zap.Logger
}

func NewStdioLoop(dispatcher *Dispatcher, broadcaster *orchestrator.Broadcaster, logger *zap.Logger) *StdioLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioLoop{dispatcher: dispatcher, broadcaster: broadcaster, logger: logger}
}

// Run pumps commands from in and frames to out until in closes or ctx is
// cancelled.
func (l *StdioLoop) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := ndjson.NewReader(in)
	writer := ndjson.NewWriter(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	subID, events := l.broadcaster.Subscribe(256)
	g.Go(func() error {
		defer l.broadcaster.Unsubscribe(subID)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				if err := writer.WriteMessage(newEventFrame(evt)); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		for {
			line, err := reader.ReadLine()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}

			var cmd Command
			if err := json.Unmarshal(line, &cmd); err != nil {
				l.logger.Warn("skipping malformed command frame", zap.Error(err))
				if werr := writer.WriteMessage(errorResponse("", codeBadRequest, err)); werr != nil {
					return werr
				}
				continue
			}
			if err := writer.WriteMessage(l.dispatcher.Dispatch(cmd)); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
