package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
)

// handleEvents upgrades the connection and streams sandbox lifecycle events
// as JSON text frames. The broadcaster drops subscribers that stop reading,
// which ends the stream for that client only.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
		if strings.HasPrefix(token, "Bearer ") {
			token = strings.TrimPrefix(token, "Bearer ")
		}
	}
	clientID := g.resolveClient(token)
	if clientID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"castellan-events-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	g.logger.Info("event stream opened", slog.String("client_id", clientID))
	g.streamEvents(r.Context(), conn, clientID)
}

func (g *Gateway) streamEvents(ctx context.Context, conn *websocket.Conn, clientID string) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := g.broadcaster.Subscribe()
	defer sub.Close()

	// No client frames are expected; CloseRead watches for disconnect.
	ctx = conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("event stream closed", slog.String("client_id", clientID))
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// The broadcaster dropped this subscriber for falling behind.
				g.logger.Warn("event stream dropped, client too slow", slog.String("client_id", clientID))
				conn.Close(websocket.StatusPolicyViolation, "event stream overflow")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("event marshal failed", slog.String("error", err.Error()))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				g.logger.Info("event stream write failed",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}
