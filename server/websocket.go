package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oakmoss/conductor/orchestrator"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHandler upgrades HTTP connections and runs the command protocol over
// WebSocket text frames. Every connection gets its own broadcaster
// subscription; events and command responses share one write pump.
type WSHandler struct {
	dispatcher  *Dispatcher
	broadcaster *orchestrator.Broadcaster
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func NewWSHandler(dispatcher *Dispatcher, broadcaster *orchestrator.Broadcaster, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("observer connected", zap.String("remote", conn.RemoteAddr().String()))
	h.serve(r.Context(), conn)
	h.logger.Info("observer disconnected", zap.String("remote", conn.RemoteAddr().String()))
}

func (h *WSHandler) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// outbound serializes event frames and command responses.
	outbound := make(chan interface{}, 256)
	subID, events := h.broadcaster.Subscribe(256)
	defer h.broadcaster.Unsubscribe(subID)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame := <-outbound:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return err
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				select {
				case outbound <- newEventFrame(evt):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warn("websocket read failed", zap.Error(err))
				}
				return err
			}

			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				select {
				case outbound <- errorResponse("", codeBadRequest, err):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			resp := h.dispatcher.Dispatch(cmd)
			select {
			case outbound <- resp:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		h.logger.Debug("websocket session ended", zap.Error(err))
	}
}
