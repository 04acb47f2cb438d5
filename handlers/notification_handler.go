package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"mahoyaAPI/internal/notification"
	"mahoyaAPI/middleware"
	"mahoyaAPI/services"
)

type NotificationHandler struct {
	notificationService *services.NotificationService
}

func NewNotificationHandler(notificationService *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{
		notificationService: notificationService,
	}
}

// POST /api/v1/notifications/devices - Register a push token for the caller
func (h *NotificationHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req notification.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	device, err := h.notificationService.RegisterDevice(ctx, clerkID, req)
	if err != nil {
		respondWithAppError(w, "RegisterDevice", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, device)
}
