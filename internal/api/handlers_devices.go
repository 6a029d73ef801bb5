package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/catlover-bot/pushpipe/internal/dispatch"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

type DeviceHandler struct {
	store storage.Storage
}

func NewDeviceHandler(store storage.Storage) *DeviceHandler {
	return &DeviceHandler{store: store}
}

type registerDeviceRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Provider string `json:"provider,omitempty"`
}

// Register upserts a device token. Re-registering an existing token re-enables
// it: registration is the user saying the endpoint is alive again, which is
// different from the pipeline auto-re-enabling a dead one.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Provider == "" {
		req.Provider = dispatch.DefaultProvider
	}
	if !dispatch.ValidToken(req.Provider, req.Token) {
		writeError(w, http.StatusBadRequest, "invalid token for provider")
		return
	}

	now := time.Now().UTC()
	device := &models.Device{
		UserID:    req.UserID,
		Token:     req.Token,
		Provider:  req.Provider,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.UpsertDevice(r.Context(), device); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	devices, err := h.store.ListDevices(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}
