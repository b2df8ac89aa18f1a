package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/scarryhott/tagtokn/internal/oauth"
)

// ErrorResponse is the body of every JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("API: Failed to encode response:", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// callbackFailure maps a callback error to its status, code and message
func callbackFailure(err error) (int, ErrorResponse) {
	var cbErr *oauth.CallbackError
	detail := ""
	if errors.As(err, &cbErr) {
		detail = cbErr.Detail
	}

	switch {
	case errors.Is(err, oauth.ErrProviderDenied):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "provider_denied",
			Message: "Authorization was denied",
			Details: detail,
		}
	case errors.Is(err, oauth.ErrMissingParameter):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "missing_parameter",
			Message: "Missing code or state parameter",
		}
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_state",
			Message: "Invalid state parameter",
		}
	case errors.Is(err, oauth.ErrStateAlreadyUsed):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "state_used",
			Message: "State has already been used",
		}
	case errors.Is(err, oauth.ErrStateExpired):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "state_expired",
			Message: "State has expired",
		}
	case errors.Is(err, oauth.ErrTokenExchangeFailed):
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "exchange_failed",
			Message: "Failed to exchange authorization code",
			Details: detail,
		}
	case errors.Is(err, oauth.ErrProfileFetchFailed):
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "profile_fetch_failed",
			Message: "Failed to fetch user profile",
			Details: detail,
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Internal server error",
		}
	}
}
