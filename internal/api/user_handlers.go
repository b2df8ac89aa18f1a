package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/scarryhott/tagtokn/internal/oauth"
	"github.com/scarryhott/tagtokn/internal/retry"
	"github.com/scarryhott/tagtokn/internal/webhook"
)

// SendMessageRequest is the body of POST /api/messages
type SendMessageRequest struct {
	RecipientID   string `json:"recipient_id"`
	Text          string `json:"text"`
	MessagingType string `json:"messaging_type,omitempty"`
	Tag           string `json:"tag,omitempty"`
}

// HandleGetCurrentUser returns the authenticated user with its linked identity
func HandleGetCurrentUser(identities *oauth.IdentityStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := identities.Get(r.Context(), userIDFromContext(r.Context()))
		if err != nil {
			if errors.Is(err, oauth.ErrUserNotFound) {
				writeError(w, http.StatusNotFound, "user_not_found", "User not found")
				return
			}
			log.Println("API: Failed to load user:", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			return
		}

		writeJSON(w, http.StatusOK, user)
	}
}

// HandleUnlinkInstagram removes the linked Instagram identity of the authenticated user
func HandleUnlinkInstagram(identities *oauth.IdentityStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromContext(r.Context())

		if err := identities.Unlink(r.Context(), userID, time.Now().UTC()); err != nil {
			if errors.Is(err, oauth.ErrNotLinked) {
				writeError(w, http.StatusNotFound, "not_linked", "No linked Instagram account")
				return
			}
			log.Println("API: Failed to unlink identity:", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			return
		}

		log.Printf("API: Unlinked Instagram account of user %s", userID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSendMessage sends a direct message through the messaging API
func HandleSendMessage(sender *webhook.Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "Invalid request body")
			return
		}

		ack, err := sender.Send(r.Context(), req.RecipientID, req.Text, &webhook.SendOptions{
			MessagingType: req.MessagingType,
			Tag:           req.Tag,
		})
		if err != nil {
			status, code := sendFailure(err)
			if status >= http.StatusInternalServerError {
				log.Println("API: Failed to send message:", err)
			}
			writeError(w, status, code, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, ack)
	}
}

func sendFailure(err error) (int, string) {
	var rateErr *webhook.RateLimitError
	var sendErr *webhook.SendError

	switch {
	case errors.Is(err, webhook.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_message"
	case errors.Is(err, webhook.ErrSenderDisabled):
		return http.StatusServiceUnavailable, "messaging_disabled"
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, retry.ErrMaxRetriesExceeded):
		return http.StatusBadGateway, "send_failed"
	case errors.As(err, &sendErr):
		return http.StatusBadGateway, "send_rejected"
	default:
		return http.StatusBadGateway, "send_failed"
	}
}
