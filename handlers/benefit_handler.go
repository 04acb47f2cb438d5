package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mahoyaAPI/middleware"
	"mahoyaAPI/services"
)

type BenefitHandler struct {
	gamificationService *services.GamificationService
}

func NewBenefitHandler(gamificationService *services.GamificationService) *BenefitHandler {
	return &BenefitHandler{gamificationService: gamificationService}
}

// GET /api/v1/benefits
func (h *BenefitHandler) ListBenefits(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	entries, err := h.gamificationService.ListBenefits(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "ListBenefits", err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

// POST /api/v1/benefits/{benefitID}/use
func (h *BenefitHandler) UseBenefit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	benefitID := mux.Vars(r)["benefitID"]
	if benefitID == "" {
		respondWithError(w, http.StatusBadRequest, "Benefit ID required")
		return
	}

	entry, err := h.gamificationService.UseBenefit(ctx, clerkID, benefitID)
	if err != nil {
		respondWithAppError(w, "UseBenefit", err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}
