package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"chat-relay/internal/models"
)

type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, userID, token, platform string) error
}

type DeviceHandlers struct {
	devices DeviceRegistrar
}

func NewDeviceHandlers(devices DeviceRegistrar) *DeviceHandlers {
	return &DeviceHandlers{devices: devices}
}

// RegisterDevice serves POST /devices for the authenticated user.
func (h *DeviceHandlers) RegisterDevice(w http.ResponseWriter, r *http.Request, user *models.User) {
	var req models.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := h.devices.RegisterDevice(r.Context(), user.ID, req.Token, req.Platform); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
