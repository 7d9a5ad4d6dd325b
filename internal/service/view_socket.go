package service

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mmynk/cashflow/internal/auth"
	"github.com/mmynk/cashflow/internal/session"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketPingInterval = 30 * time.Second
	socketReadTimeout  = 2 * socketPingInterval
)

// ViewSocket pushes the caller's derived views as JSON text frames. The
// token is passed as the "token" query parameter since browsers cannot set
// headers on websocket requests.
type ViewSocket struct {
	jwtManager *auth.JWTManager
	sessions   *session.Registry
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewViewSocket creates the /ws/view handler.
func NewViewSocket(jwtManager *auth.JWTManager, sessions *session.Registry, logger *slog.Logger) *ViewSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewSocket{
		jwtManager: jwtManager,
		sessions:   sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *ViewSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.jwtManager.Validate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	c, err := h.sessions.Acquire(r.Context(), claims.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only serve to notice a closed connection and answer pings.
	go func() {
		defer cancel()
		ws.SetReadDeadline(time.Now().Add(socketReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(socketReadTimeout))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info("View socket opened", "user_id", claims.UserID)
	updates := c.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("View socket closed", "user_id", claims.UserID)
			return
		case u, ok := <-updates:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := ws.WriteJSON(viewMap(u.State, u.Err, u.View)); err != nil {
				h.logger.Info("View socket write failed", "user_id", claims.UserID, "error", err)
				return
			}
		case <-time.After(socketPingInterval):
			ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
