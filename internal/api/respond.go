package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/khainguyen105/waitlistdup-sub001/internal/domain"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// statusForError maps an error kind to its HTTP status.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindPolicyDenied:
		return http.StatusForbidden
	case domain.KindThrottledLockout:
		return http.StatusLocked
	case domain.KindInvalidCredential, domain.KindMalformedToken:
		return http.StatusUnauthorized
	default:
		return http.StatusServiceUnavailable
	}
}

// respondWithError writes the caller-safe message of err. Causes are never exposed.
func respondWithError(w http.ResponseWriter, err error) {
	msg := "An unexpected error occurred. Please try again."
	var ae *domain.AuthError
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}
	respondWithJSON(w, statusForError(err), errorResponse{Error: msg, Kind: string(domain.KindOf(err))})
}

func respondWithMessage(w http.ResponseWriter, code int, msg string) {
	respondWithJSON(w, code, errorResponse{Error: msg})
}
