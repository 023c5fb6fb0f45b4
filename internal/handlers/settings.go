package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/katulong/katulong/internal/store"
)

const maxInstanceNameLen = 64

var toolbarColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func GetInstanceConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := Store.GetInstanceConfig()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateInstanceConfig handles PUT /api/config/{field}. Each field has
// its own endpoint so the UI can save them independently.
func UpdateInstanceConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var apply func(*store.InstanceConfig)
	switch field := chi.URLParam(r, "field"); field {
	case "instance-name":
		name := strings.TrimSpace(raw["instanceName"])
		if name == "" {
			writeError(w, http.StatusBadRequest, "instanceName is required")
			return
		}
		if len(name) > maxInstanceNameLen {
			writeError(w, http.StatusBadRequest, "instanceName too long")
			return
		}
		apply = func(c *store.InstanceConfig) { c.InstanceName = name }
	case "instance-icon":
		icon := strings.TrimSpace(raw["instanceIcon"])
		apply = func(c *store.InstanceConfig) { c.InstanceIcon = icon }
	case "toolbar-color":
		color := strings.TrimSpace(raw["toolbarColor"])
		if color != "" && !toolbarColorRe.MatchString(color) {
			writeError(w, http.StatusBadRequest, "toolbarColor must look like #rrggbb")
			return
		}
		apply = func(c *store.InstanceConfig) { c.ToolbarColor = color }
	default:
		writeError(w, http.StatusNotFound, "unknown config field")
		return
	}

	cfg, err := Store.UpdateInstanceConfig(apply)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
