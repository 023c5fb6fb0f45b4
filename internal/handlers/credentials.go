package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/middleware"
)

type credentialResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DeviceID   string    `json:"deviceId,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Current    bool      `json:"current"`
}

func ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := Store.ListCredentials()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	current := ""
	if sess := middleware.GetSession(r); sess != nil {
		current = sess.CredentialID
	}

	resp := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		resp = append(resp, credentialResponse{
			ID:         c.ID,
			Name:       c.Name,
			DeviceID:   c.DeviceID,
			UserAgent:  c.UserAgent,
			CreatedAt:  c.CreatedAt,
			LastUsedAt: c.LastUsedAt,
			Current:    c.ID == current,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteCredential revokes a passkey. Remote callers cannot remove the
// last one; a localhost caller can, since host access cannot be lost.
func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	allowLast := middleware.GetTier(r) == access.TierLocalhost

	if err := Store.DeleteCredential(id, allowLast); err != nil {
		writeServiceError(w, err)
		return
	}
	if sess := middleware.GetSession(r); sess != nil && sess.CredentialID == id {
		clearSessionCookie(w, r)
	}
	w.WriteHeader(http.StatusNoContent)
}

func RenameCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := Store.RenameCredential(chi.URLParam(r, "id"), name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
