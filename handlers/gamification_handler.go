package handlers

import (
	"context"
	"net/http"
	"time"

	"mahoyaAPI/middleware"
	"mahoyaAPI/services"
)

type GamificationHandler struct {
	gamificationService *services.GamificationService
}

func NewGamificationHandler(gamificationService *services.GamificationService) *GamificationHandler {
	return &GamificationHandler{gamificationService: gamificationService}
}

// GET /api/v1/user/progress
func (h *GamificationHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	progress, err := h.gamificationService.GetProgress(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "GetProgress", err)
		return
	}
	respondWithJSON(w, http.StatusOK, progress)
}

// GET /api/v1/user/achievements
func (h *GamificationHandler) GetAchievements(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	achievements, err := h.gamificationService.GetAchievements(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "GetAchievements", err)
		return
	}
	respondWithJSON(w, http.StatusOK, achievements)
}

// GET /api/v1/user/gamification
func (h *GamificationHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	summary, err := h.gamificationService.GetSummary(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "GetSummary", err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}
