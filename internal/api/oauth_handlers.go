package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/scarryhott/tagtokn/internal/metrics"
	"github.com/scarryhott/tagtokn/internal/oauth"
)

// IssueStateRequest is the body of POST /oauth/state
type IssueStateRequest struct {
	UID string `json:"uid"`
}

// IssueStateResponse is returned by POST /oauth/state
type IssueStateResponse struct {
	State            string    `json:"state"`
	AuthorizationURL string    `json:"authorization_url"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// CallbackUser is the linked provider account in a callback response
type CallbackUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// CallbackResponse is returned by a successful GET /oauth/callback
type CallbackResponse struct {
	SessionToken string       `json:"session_token"`
	User         CallbackUser `json:"user"`
}

// HandleIssueState persists a new state for the given user and returns it
// together with the authorization URL
func HandleIssueState(states *oauth.StateIssuer, m *metrics.Collectors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IssueStateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "Invalid request body")
			return
		}

		state, err := states.Issue(r.Context(), req.UID)
		if err != nil {
			if errors.Is(err, oauth.ErrInvalidArgument) {
				writeError(w, http.StatusBadRequest, "invalid_argument", "uid is required")
				return
			}
			log.Println("OAuth: Failed to issue state:", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to initiate OAuth")
			return
		}
		m.StateIssued()

		writeJSON(w, http.StatusOK, IssueStateResponse{
			State:            state.Token,
			AuthorizationURL: states.AuthorizationURL(state.Token),
			ExpiresAt:        state.ExpiresAt,
		})
	}
}

// HandleOAuthAuthorize issues a state for ?uid= and redirects to the provider
func HandleOAuthAuthorize(states *oauth.StateIssuer, m *metrics.Collectors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.URL.Query().Get("uid"))
		if uid == "" {
			writeError(w, http.StatusBadRequest, "invalid_argument", "uid is required")
			return
		}

		state, err := states.Issue(r.Context(), uid)
		if err != nil {
			log.Println("OAuth: Failed to issue state:", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to initiate OAuth")
			return
		}
		m.StateIssued()

		log.Println("OAuth: Redirecting to authorization URL")
		http.Redirect(w, r, states.AuthorizationURL(state.Token), http.StatusFound)
	}
}

// HandleOAuthCallback processes the provider redirect
func HandleOAuthCallback(linker *oauth.Linker, m *metrics.Collectors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		result, err := linker.HandleCallback(r.Context(), oauth.CallbackParams{
			Code:             query.Get("code"),
			State:            query.Get("state"),
			Error:            query.Get("error"),
			ErrorReason:      query.Get("error_reason"),
			ErrorDescription: query.Get("error_description"),
		})
		if err != nil {
			status, body := callbackFailure(err)
			m.CallbackOutcome(body.Error)
			if status >= http.StatusInternalServerError {
				log.Println("OAuth: Callback failed:", err)
			} else {
				log.Printf("OAuth: Callback rejected (%s)", body.Error)
			}
			writeJSON(w, status, body)
			return
		}
		m.CallbackOutcome("linked")

		writeJSON(w, http.StatusOK, CallbackResponse{
			SessionToken: result.SessionToken,
			User: CallbackUser{
				ID:       result.Profile.ID,
				Username: result.Profile.Username,
			},
		})
	}
}
