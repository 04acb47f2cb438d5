package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"mahoyaAPI/middleware"
	"mahoyaAPI/services"
)

const GuestIDHeader = "X-Guest-ID"

type D20Handler struct {
	gamificationService *services.GamificationService
}

func NewD20Handler(gamificationService *services.GamificationService) *D20Handler {
	return &D20Handler{gamificationService: gamificationService}
}

// GET /api/v1/d20
func (h *D20Handler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	state, err := h.gamificationService.D20Status(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "D20 GetState", err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

// POST /api/v1/d20/roll
// A repeated roll answers 200 with the stored result and created=false.
func (h *D20Handler) Roll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	result, err := h.gamificationService.RollD20(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "D20 Roll", err)
		return
	}
	code := http.StatusOK
	if result.Created {
		code = http.StatusCreated
	}
	respondWithJSON(w, code, result)
}

// POST /api/v1/d20/redeem
func (h *D20Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	roll, err := h.gamificationService.RedeemD20(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "D20 Redeem", err)
		return
	}
	respondWithJSON(w, http.StatusOK, roll)
}

// GET /api/v1/d20/qr
func (h *D20Handler) GetQRCode(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	clerkID, ok := middleware.GetClerkID(ctx)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	png, err := h.gamificationService.D20QRCode(ctx, clerkID)
	if err != nil {
		respondWithAppError(w, "D20 GetQRCode", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func guestID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(GuestIDHeader))
	return id, id != ""
}

// GET /api/v1/guest/d20
func (h *D20Handler) GetGuestState(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, ok := guestID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, GuestIDHeader+" header required")
		return
	}

	state, err := h.gamificationService.GuestD20Status(ctx, id)
	if err != nil {
		respondWithAppError(w, "D20 GetGuestState", err)
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

// POST /api/v1/guest/d20/roll
func (h *D20Handler) GuestRoll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, ok := guestID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, GuestIDHeader+" header required")
		return
	}

	result, err := h.gamificationService.GuestRollD20(ctx, id)
	if err != nil {
		respondWithAppError(w, "D20 GuestRoll", err)
		return
	}
	code := http.StatusOK
	if result.Created {
		code = http.StatusCreated
	}
	respondWithJSON(w, code, result)
}

// POST /api/v1/guest/d20/redeem
func (h *D20Handler) GuestRedeem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, ok := guestID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, GuestIDHeader+" header required")
		return
	}

	roll, err := h.gamificationService.GuestRedeemD20(ctx, id)
	if err != nil {
		respondWithAppError(w, "D20 GuestRedeem", err)
		return
	}
	respondWithJSON(w, http.StatusOK, roll)
}

// POST /api/v1/guest/d20/popup
func (h *D20Handler) ClaimGuestPopup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, ok := guestID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, GuestIDHeader+" header required")
		return
	}

	show, err := h.gamificationService.ClaimGuestPopup(ctx, id)
	if err != nil {
		respondWithAppError(w, "D20 ClaimGuestPopup", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"show": show})
}
