package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps errors from the auth, store and daemon layers
// onto the HTTP error taxonomy. Anything unrecognized is an internal
// error: logged in full, reported generically.
func writeServiceError(w http.ResponseWriter, err error) {
	var locked *auth.LockedError
	if errors.As(err, &locked) {
		secs := int((locked.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}

	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, daemonclient.ErrNotFound),
		errors.Is(err, auth.ErrPairingNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict), errors.Is(err, daemonclient.ErrExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, store.ErrLastCredential):
		writeError(w, http.StatusForbidden, "cannot delete the last credential remotely")
	case errors.Is(err, auth.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, auth.ErrChallengeMissing):
		writeError(w, http.StatusBadRequest, "no pending challenge")
	case errors.Is(err, auth.ErrRegistrationFailed):
		writeError(w, http.StatusBadRequest, "registration failed")
	case errors.Is(err, auth.ErrPairingInvalid):
		writeError(w, http.StatusBadRequest, "invalid or expired pairing code")
	case errors.Is(err, auth.ErrLoginFailed):
		writeError(w, http.StatusUnauthorized, "login failed")
	case errors.Is(err, daemonclient.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid session name")
	case errors.Is(err, daemonclient.ErrUnavailable), errors.Is(err, daemonclient.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "daemon unavailable")
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
