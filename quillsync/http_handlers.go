// Copyright 2025 Quillsync Authors
// SPDX-License-Identifier: Apache-2.0

package quillsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// ClientAuthenticator extracts both owner and device identity from HTTP
// requests. Implementations should validate auth (e.g., JWT) and provide
// both identifiers.
type ClientAuthenticator interface {
	GetOwner(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// SyncAPI is the service surface the HTTP layer depends on. *SyncService
// satisfies it; tests can substitute a stub.
type SyncAPI interface {
	ProcessPush(ctx context.Context, owner, deviceID string, req *PushRequest) (*PushResponse, error)
	ProcessPull(ctx context.Context, owner, deviceID string, checkpoint *int64) (*PullResponse, error)
	RegisterDevice(ctx context.Context, owner string, req RegisterDeviceRequest) (*Device, error)
	ListDevices(ctx context.Context, owner string) ([]Device, error)
	RevokeDevice(ctx context.Context, owner, deviceID string) error
	Heartbeat(ctx context.Context, owner, deviceID string) error
	AppendHistory(ctx context.Context, owner, deviceID string, report SyncReport) (*SyncHistoryEntry, error)
	ListHistory(ctx context.Context, owner string, limit int) ([]SyncHistoryEntry, error)
	ClearHistory(ctx context.Context, owner string) (int64, error)
	GetSchemaVersion() int
}

// HTTPSyncHandlers provides HTTP handlers for the sync API.
type HTTPSyncHandlers struct {
	service       SyncAPI
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service SyncAPI, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes wires all handlers onto the mux under their canonical paths.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/pull", h.HandlePull)
	mux.HandleFunc("/sync/history", h.HandleHistory)
	mux.HandleFunc("/sync/schema-version", h.HandleSchemaVersion)
	mux.HandleFunc("/devices", h.HandleDevices)
	mux.HandleFunc("/devices/revoke", h.HandleRevokeDevice)
	mux.HandleFunc("/devices/heartbeat", h.HandleHeartbeat)
}

func (h *HTTPSyncHandlers) identity(w http.ResponseWriter, r *http.Request) (owner, deviceID string, ok bool) {
	owner, err := h.authenticator.GetOwner(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return owner, deviceID, true
}

// HandlePush processes one batch of client changes with conflict resolution.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	owner, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var pushReq PushRequest
	if err := json.NewDecoder(r.Body).Decode(&pushReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	response, err := h.service.ProcessPush(r.Context(), owner, deviceID, &pushReq)
	if err != nil {
		h.writeServiceError(w, err, "push_failed", owner, deviceID)
		return
	}

	h.writeJSON(w, response)
}

// HandlePull returns entities changed since the last_sync_at checkpoint, or
// a full non-deleted snapshot when the parameter is absent.
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	owner, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var checkpoint *int64
	if s := r.URL.Query().Get("last_sync_at"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "last_sync_at must be an integer")
			return
		}
		if v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "last_sync_at must be >= 0")
			return
		}
		checkpoint = &v
	}

	response, err := h.service.ProcessPull(r.Context(), owner, deviceID, checkpoint)
	if err != nil {
		h.writeServiceError(w, err, "pull_failed", owner, deviceID)
		return
	}

	h.writeJSON(w, response)
}

// HandleHistory serves the sync-history log: GET lists entries, POST appends
// one, DELETE clears the owner's log.
func (h *HTTPSyncHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	owner, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
				return
			}
			limit = v
		}
		entries, err := h.service.ListHistory(r.Context(), owner, limit)
		if err != nil {
			h.writeServiceError(w, err, "list_history_failed", owner, deviceID)
			return
		}
		h.writeJSON(w, ListHistoryResponse{Entries: entries})

	case http.MethodPost:
		var report SyncReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync report")
			return
		}
		entry, err := h.service.AppendHistory(r.Context(), owner, deviceID, report)
		if err != nil {
			h.writeServiceError(w, err, "append_history_failed", owner, deviceID)
			return
		}
		h.writeJSON(w, entry)

	case http.MethodDelete:
		deleted, err := h.service.ClearHistory(r.Context(), owner)
		if err != nil {
			h.writeServiceError(w, err, "clear_history_failed", owner, deviceID)
			return
		}
		h.writeJSON(w, map[string]int64{"deleted": deleted})

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET, POST and DELETE are allowed")
	}
}

// HandleDevices serves the device registry: GET lists devices, POST registers
// a new one.
func (h *HTTPSyncHandlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	owner, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		devices, err := h.service.ListDevices(r.Context(), owner)
		if err != nil {
			h.writeServiceError(w, err, "list_devices_failed", owner, deviceID)
			return
		}
		h.writeJSON(w, ListDevicesResponse{Devices: devices})

	case http.MethodPost:
		var req RegisterDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse register request")
			return
		}
		device, err := h.service.RegisterDevice(r.Context(), owner, req)
		if err != nil {
			h.writeServiceError(w, err, "register_device_failed", owner, deviceID)
			return
		}
		w.WriteHeader(http.StatusCreated)
		h.writeJSON(w, device)

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET and POST are allowed")
	}
}

// HandleRevokeDevice revokes a device by id. The target may differ from the
// caller's own device; a device can revoke a sibling.
func (h *HTTPSyncHandlers) HandleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	owner, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req DeviceIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse revoke request")
		return
	}
	if err := h.service.RevokeDevice(r.Context(), owner, req.DeviceID); err != nil {
		h.writeServiceError(w, err, "revoke_device_failed", owner, deviceID)
		return
	}
	h.writeJSON(w, map[string]bool{"revoked": true})
}

// HandleHeartbeat advances the calling device's last_seen_at.
func (h *HTTPSyncHandlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	owner, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.service.Heartbeat(r.Context(), owner, deviceID); err != nil {
		h.writeServiceError(w, err, "heartbeat_failed", owner, deviceID)
		return
	}
	h.writeJSON(w, map[string]bool{"ok": true})
}

// HandleSchemaVersion returns the current wire schema version.
func (h *HTTPSyncHandlers) HandleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.writeJSON(w, SchemaVersionResponse{Version: h.service.GetSchemaVersion()})
}

// HandleHealthz is a liveness probe; it does not touch storage.
func (h *HTTPSyncHandlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeServiceError maps service sentinel errors onto HTTP statuses.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, err error, fallbackCode, owner, deviceID string) {
	switch {
	case errors.Is(err, ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, ErrDeviceRevoked):
		h.writeError(w, http.StatusForbidden, "device_revoked", err.Error())
	case errors.Is(err, ErrAuth):
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
	case errors.Is(err, ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		h.logger.Error("Internal service error",
			"error", err, "owner", owner, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, fallbackCode, "Internal error")
	}
}

// writeError writes a standardized error response.
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
