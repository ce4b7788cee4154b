package handlers

import (
	"context"
	"net/http"
	"time"

	ws "chat-relay/internal/websocket"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsProvider interface {
	Stats() ws.Stats
}

type HealthHandlers struct {
	db  Pinger
	hub StatsProvider
}

func NewHealthHandlers(db Pinger, hub StatsProvider) *HealthHandlers {
	return &HealthHandlers{db: db, hub: hub}
}

type healthResponse struct {
	Status   string   `json:"status"`
	Database string   `json:"database"`
	Relay    ws.Stats `json:"relay"`
}

func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", Relay: h.hub.Stats()}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
