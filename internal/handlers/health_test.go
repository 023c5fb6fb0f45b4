package handlers

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/katulong/katulong/internal/access"
)

func TestHealth(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	Health(w, tierRequest("GET", "/health", nil, access.TierInternet))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status          string `json:"status"`
		Pid             int    `json:"pid"`
		DaemonConnected bool   `json:"daemonConnected"`
	}
	decodeJSON(t, w, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", body.Pid, os.Getpid())
	}
	if body.DaemonConnected {
		t.Error("daemonConnected = true without a daemon")
	}
}

func TestHealthConnectedDaemon(t *testing.T) {
	setupState(t)
	path, ln := listenUnix(t)
	serveScripted(t, ln, func(conn net.Conn, msg map[string]any) {})
	startDaemon(t, path)

	w := httptest.NewRecorder()
	Health(w, tierRequest("GET", "/health", nil, access.TierInternet))

	var body struct {
		DaemonConnected bool `json:"daemonConnected"`
	}
	decodeJSON(t, w, &body)
	if !body.DaemonConnected {
		t.Error("daemonConnected = false with a live daemon")
	}
}

// TestHealthDraining must stay last in this file: draining is one-way.
func TestHealthDraining(t *testing.T) {
	setupState(t)

	SetDraining()
	w := httptest.NewRecorder()
	Health(w, tierRequest("GET", "/health", nil, access.TierInternet))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeJSON(t, w, &body)
	if body.Status != "draining" {
		t.Errorf("status = %q, want draining", body.Status)
	}
}
