package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/katulong/katulong/internal/daemonclient"
)

func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := Daemon.ListSessions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func CreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name, err := Daemon.CreateSession(r.Context(), body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func RenameSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name, err := Daemon.RenameSession(r.Context(), chi.URLParam(r, "name"), body.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := Daemon.DeleteSession(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func GetShortcuts(w http.ResponseWriter, r *http.Request) {
	shortcuts, err := Daemon.GetShortcuts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shortcuts": shortcuts})
}

func PutShortcuts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Shortcuts []daemonclient.Shortcut `json:"shortcuts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := Daemon.SetShortcuts(r.Context(), body.Shortcuts); err != nil {
		writeServiceError(w, err)
		return
	}
	if body.Shortcuts == nil {
		body.Shortcuts = []daemonclient.Shortcut{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shortcuts": body.Shortcuts})
}
