package handlers

import (
	"net/http"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/middleware"
)

// SSHPassword hands the active SSH password to localhost callers only;
// the UI shows it when setting up an SSH client on the same machine.
func SSHPassword(w http.ResponseWriter, r *http.Request) {
	if middleware.GetTier(r) != access.TierLocalhost {
		writeError(w, http.StatusForbidden, "localhost only")
		return
	}

	password := config.Cfg.SSHPassword
	if password == "" {
		password = config.Cfg.SetupToken
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"password": password,
		"port":     config.Cfg.SSHPort,
	})
}
