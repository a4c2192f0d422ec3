package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"socialops.com/autoresponder/internal/webhook"
)

const maxWebhookBody = 1 << 20

type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) (int, error)
}

type WebhookHandler struct {
	processor   WebhookProcessor
	verifyToken string
	appSecret   string
	log         zerolog.Logger
}

func NewWebhookHandler(processor WebhookProcessor, verifyToken, appSecret string, logger zerolog.Logger) *WebhookHandler {
	h := &WebhookHandler{
		processor:   processor,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		log:         logger.With().Str("component", "webhook_http").Logger(),
	}
	if appSecret == "" {
		h.log.Warn().Msg("INSTAGRAM_APP_SECRET not set, webhook signatures will not be verified")
	}
	return h
}

// VerifyHandler answers the subscription handshake by echoing hub.challenge.
func (h *WebhookHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		h.log.Warn().Str("mode", mode).Msg("Webhook verification failed")
		http.Error(w, "Verification failed", http.StatusForbidden)
		return
	}

	h.log.Info().Msg("Webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// EventHandler receives event notifications. Messages are stored before it
// returns; replies happen in the background.
func (h *WebhookHandler) EventHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "Unreadable request body"})
		return
	}

	if h.appSecret != "" {
		if !webhook.VerifySignature(h.appSecret, body, r.Header.Get(webhook.SignatureHeader)) {
			h.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Invalid webhook signature")
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	processed, err := h.processor.Handle(r.Context(), body)
	switch {
	case errors.Is(err, webhook.ErrMalformedPayload):
		h.log.Warn().Err(err).Msg("Rejected malformed webhook payload")
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "Malformed payload"})
		return
	case err != nil:
		h.log.Error().Err(err).Int("processed", processed).Msg("Webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "received", "processed": processed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
