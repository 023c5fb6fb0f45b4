package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/katulong/katulong/internal/crypto"
)

// ListSetupTokens returns token metadata. The secret itself is shown
// only once, by CreateSetupToken.
func ListSetupTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := Store.ListSetupTokens()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func CreateSetupToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = "Setup token"
	}

	tok, err := Store.AddSetupToken(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("setup token created: id=%s token=%s", tok.ID, crypto.Mask(tok.Token))
	writeJSON(w, http.StatusCreated, tok)
}

func RenameSetupToken(w http.ResponseWriter, r *http.Request) {
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

	if err := Store.RenameSetupToken(chi.URLParam(r, "id"), name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func DeleteSetupToken(w http.ResponseWriter, r *http.Request) {
	if err := Store.DeleteSetupToken(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
