package handlers

import (
	"net/http"

	ws "chat-relay/internal/websocket"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService Authenticator
	hub         *ws.Hub
	requireAuth bool
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService Authenticator, hub *ws.Hub, requireAuth bool) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		hub:         hub,
		requireAuth: requireAuth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket upgrades the request. With a valid token the connection is
// pinned to that user; without one the client names itself in its join
// frame, unless authentication is required.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var userID string
	if tokenStr := bearerToken(r); tokenStr != "" {
		user, err := h.authService.GetUserFromToken(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = user.ID
	} else if h.requireAuth {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Upgrade error", "error", err)
		return
	}

	if _, err := h.hub.ServeConn(conn, userID); err != nil {
		logger.Warn("Rejected connection", "error", err)
	}
}
