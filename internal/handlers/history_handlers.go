package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"chat-relay/internal/models"
	"chat-relay/internal/services"
)

type HistoryHandlers struct {
	history *services.HistoryService
}

func NewHistoryHandlers(history *services.HistoryService) *HistoryHandlers {
	return &HistoryHandlers{history: history}
}

type historyResponse struct {
	RoomID   string            `json:"roomId"`
	Messages []*models.Message `json:"messages"`
}

// GetMessages serves GET /rooms/{id}/messages?before=&limit=.
func (h *HistoryHandlers) GetMessages(w http.ResponseWriter, r *http.Request, _ *models.User) {
	roomID := r.PathValue("id")

	before, err := queryInt(r, "before")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.history.GetHistory(r.Context(), roomID, before, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{RoomID: roomID, Messages: msgs})
}

type clearResponse struct {
	RoomID  string `json:"roomId"`
	Deleted int64  `json:"deleted"`
}

// ClearMessages serves DELETE /rooms/{id}/messages.
func (h *HistoryHandlers) ClearMessages(w http.ResponseWriter, r *http.Request, _ *models.User) {
	roomID := r.PathValue("id")

	deleted, err := h.history.ClearRoom(r.Context(), roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{RoomID: roomID, Deleted: deleted})
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalidInput, key)
	}
	return v, nil
}
