package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"mahoyaAPI/services"
)

const maxWebhookBodySize = 1 << 20

type clerkWebhookEvent struct {
	Type   string          `json:"type"`
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

type clerkUserData struct {
	ID string `json:"id"`
}

type WebhookHandler struct {
	gamificationService *services.GamificationService
	verifier            *svix.Webhook
}

// NewWebhookHandler takes the Clerk signing secret as shown in the dashboard
// ("whsec_..." prefix optional). Without a usable secret every delivery is
// rejected.
func NewWebhookHandler(gamificationService *services.GamificationService, secret string) *WebhookHandler {
	h := &WebhookHandler{gamificationService: gamificationService}
	if secret == "" {
		log.Printf("NewWebhookHandler: no signing secret configured, webhooks will be rejected")
		return h
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		log.Printf("NewWebhookHandler: invalid signing secret, webhooks will be rejected: %v", err)
		return h
	}
	h.verifier = wh
	return h
}

// POST /webhooks/clerk
func (h *WebhookHandler) HandleClerkWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		log.Printf("Error reading webhook body: %v", err)
		respondWithError(w, http.StatusBadRequest, "Error reading body")
		return
	}

	if err := h.verifySignature(r.Header, body); err != nil {
		log.Printf("Invalid webhook signature: %v", err)
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var event clerkWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("Error parsing webhook: %v", err)
		respondWithError(w, http.StatusBadRequest, "Error parsing webhook")
		return
	}

	log.Printf("Received webhook event: %s", event.Type)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	switch event.Type {
	case "user.created":
		if err := h.handleUserCreated(ctx, event.Data); err != nil {
			log.Printf("Error handling user.created: %v", err)
			respondWithError(w, http.StatusInternalServerError, "Error processing webhook")
			return
		}

	case "user.deleted":
		if err := h.handleUserDeleted(ctx, event.Data); err != nil {
			log.Printf("Error handling user.deleted: %v", err)
			respondWithError(w, http.StatusInternalServerError, "Error processing webhook")
			return
		}

	default:
		log.Printf("Unhandled webhook event type: %s", event.Type)
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *WebhookHandler) handleUserCreated(ctx context.Context, data json.RawMessage) error {
	var userData clerkUserData
	if err := json.Unmarshal(data, &userData); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	if userData.ID == "" {
		return errors.New("user.created without id")
	}

	if err := h.gamificationService.CreatePlayer(ctx, userData.ID); err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}

	log.Printf("Successfully created player: Clerk ID: %s", userData.ID)
	return nil
}

func (h *WebhookHandler) handleUserDeleted(ctx context.Context, data json.RawMessage) error {
	var userData clerkUserData
	if err := json.Unmarshal(data, &userData); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	if userData.ID == "" {
		return errors.New("user.deleted without id")
	}

	if err := h.gamificationService.DeletePlayer(ctx, userData.ID); err != nil {
		return fmt.Errorf("failed to delete player: %w", err)
	}

	log.Printf("Successfully deleted player: Clerk ID: %s", userData.ID)
	return nil
}

// verifySignature checks the svix-id, svix-timestamp and svix-signature
// headers Clerk sends, including the replay window on the timestamp.
func (h *WebhookHandler) verifySignature(header http.Header, body []byte) error {
	if h.verifier == nil {
		return errors.New("webhook secret not configured")
	}
	return h.verifier.Verify(body, header)
}
