package api

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/scarryhott/tagtokn/internal/config"
	"github.com/scarryhott/tagtokn/internal/metrics"
	"github.com/scarryhott/tagtokn/internal/webhook"
)

const maxWebhookBody = 1 << 20

// HandleWebhookVerify answers the provider's subscription handshake
func HandleWebhookVerify(cfg config.WebhookConfig, m *metrics.Collectors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		challenge, err := webhook.VerifySubscription(
			query.Get("hub.mode"),
			query.Get("hub.verify_token"),
			query.Get("hub.challenge"),
			cfg.VerifyToken,
		)
		if err != nil {
			if errors.Is(err, webhook.ErrMissingParameter) {
				m.WebhookRequest("bad_request")
				writeError(w, http.StatusBadRequest, "missing_parameter", "Missing verification parameter")
				return
			}
			log.Println("Webhook: Subscription verification failed")
			m.WebhookRequest("forbidden")
			writeError(w, http.StatusForbidden, "forbidden", "Verification failed")
			return
		}

		m.WebhookRequest("verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
	}
}

// HandleWebhookEvent verifies and journals an event delivery. The signature is
// checked over the raw bytes before anything is parsed.
func HandleWebhookEvent(cfg config.WebhookConfig, receiver *webhook.Receiver, m *metrics.Collectors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			m.WebhookRequest("bad_request")
			writeError(w, http.StatusBadRequest, "invalid_payload", "Failed to read request body")
			return
		}

		if !webhook.VerifySignature(body, r.Header.Get(webhook.SignatureHeader), cfg.Secret) {
			log.Println("Webhook: Rejected delivery with invalid signature")
			m.WebhookRequest("invalid_signature")
			writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature")
			return
		}

		payload, err := webhook.ParsePayload(body)
		if err != nil {
			m.WebhookRequest("bad_request")
			writeError(w, http.StatusBadRequest, "invalid_payload", "Malformed payload")
			return
		}

		n, err := receiver.Handle(r.Context(), payload)
		if err != nil {
			log.Println("Webhook: Failed to handle delivery:", err)
			m.WebhookRequest("error")
			writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			return
		}
		if n > 0 {
			log.Printf("Webhook: Journaled %d messaging events", n)
		}

		m.WebhookRequest("received")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("EVENT_RECEIVED"))
	}
}
