package handlers

import (
	"net/http"
	"strconv"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/logging"
	"github.com/katulong/katulong/internal/middleware"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

// ServerLogs returns the tail of the relay's own log file. Localhost
// only; the log can contain hostnames and session names.
func ServerLogs(w http.ResponseWriter, r *http.Request) {
	if middleware.GetTier(r) != access.TierLocalhost {
		writeError(w, http.StatusForbidden, "localhost only")
		return
	}

	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		if n > maxLogLines {
			n = maxLogLines
		}
		lines = n
	}

	out, err := logging.ReadTail(lines)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(out))
}

// ClearServerLogs truncates the relay's log file. Localhost only.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if middleware.GetTier(r) != access.TierLocalhost {
		writeError(w, http.StatusForbidden, "localhost only")
		return
	}

	if err := logging.Clear(); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
