package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oakmoss/conductor/orchestrator"
)

// Options configures the serving surfaces.
type Options struct {
	// Addr is the HTTP listen address for the WebSocket endpoint; empty
	// disables it.
	Addr string
	// Stdio enables the NDJSON command loop on stdin/stdout.
	Stdio bool
}

// Server ties the orchestrator's event stream to its transports.
type Server struct {
	core        *orchestrator.Orchestrator
	dispatcher  *Dispatcher
	broadcaster *orchestrator.Broadcaster
	logger      *zap.Logger
	opts        Options
}

func New(core *orchestrator.Orchestrator, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		core:        core,
		dispatcher:  NewDispatcher(core, logger),
		broadcaster: orchestrator.NewBroadcaster(logger),
		logger:      logger,
		opts:        opts,
	}
}

// Run serves until ctx is cancelled, then shuts everything down: the HTTP
// listener drains, the orchestrator is closed, and the broadcaster closes
// every subscriber.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.broadcaster.Run(ctx, s.core.Events())
		return nil
	})

	if s.opts.Stdio {
		loop := NewStdioLoop(s.dispatcher, s.broadcaster, s.logger)
		g.Go(func() error {
			defer cancel()
			return loop.Run(ctx, os.Stdin, os.Stdout)
		})
	}

	if s.opts.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", NewWSHandler(s.dispatcher, s.broadcaster, s.logger))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		httpServer := &http.Server{
			Addr:              s.opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			s.logger.Info("listening", zap.String("addr", s.opts.Addr))
			err := httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		// Closing the orchestrator ends its event stream, which lets the
		// broadcaster close every subscriber cleanly.
		s.core.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
