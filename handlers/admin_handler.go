package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mahoyaAPI/services"
)

// AdminHandler serves the staff-only routes. Authorization is done by
// middleware.AdminOnly on the subrouter.
type AdminHandler struct {
	gamificationService *services.GamificationService
}

func NewAdminHandler(gamificationService *services.GamificationService) *AdminHandler {
	return &AdminHandler{gamificationService: gamificationService}
}

type awardXPRequest struct {
	Amount int `json:"amount"`
}

func targetUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := mux.Vars(r)["userID"]
	if userID == "" {
		respondWithError(w, http.StatusBadRequest, "User ID required")
		return "", false
	}
	return userID, true
}

// POST /api/v1/admin/d20/{userID}/eligibility
func (h *AdminHandler) GrantD20(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := targetUser(w, r)
	if !ok {
		return
	}
	if err := h.gamificationService.GrantD20(ctx, userID); err != nil {
		respondWithAppError(w, "GrantD20", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"eligible": true})
}

// DELETE /api/v1/admin/d20/{userID}/eligibility
func (h *AdminHandler) RevokeD20(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := targetUser(w, r)
	if !ok {
		return
	}
	if err := h.gamificationService.RevokeD20(ctx, userID); err != nil {
		respondWithAppError(w, "RevokeD20", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"eligible": false})
}

// DELETE /api/v1/admin/d20/{userID}/roll
func (h *AdminHandler) ResetD20(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := targetUser(w, r)
	if !ok {
		return
	}
	if err := h.gamificationService.ResetD20(ctx, userID); err != nil {
		respondWithAppError(w, "ResetD20", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/v1/admin/users/{userID}/xp
func (h *AdminHandler) AwardXP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, ok := targetUser(w, r)
	if !ok {
		return
	}

	var req awardXPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	progress, err := h.gamificationService.AwardXP(ctx, userID, req.Amount)
	if err != nil {
		respondWithAppError(w, "AwardXP", err)
		return
	}
	respondWithJSON(w, http.StatusOK, progress)
}

// POST /api/v1/admin/achievements/reconcile
func (h *AdminHandler) ReconcileAchievements(w http.ResponseWriter, r *http.Request) {
	// A full pass walks every player.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	report, err := h.gamificationService.ReconcileAchievements(ctx)
	if err != nil {
		respondWithAppError(w, "ReconcileAchievements", err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}
