package handlers

import (
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

var (
	startTime = time.Now()
	draining  atomic.Bool
)

// SetDraining flips /health to 503 during graceful shutdown so load
// balancers and probes stop sending traffic.
func SetDraining() {
	draining.Store(true)
}

func Health(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "draining",
			"pid":    os.Getpid(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"pid":             os.Getpid(),
		"uptime":          int(time.Since(startTime).Seconds()),
		"daemonConnected": Daemon != nil && Daemon.Connected(),
	})
}
