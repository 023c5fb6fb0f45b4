package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/config"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/handlers"
	"github.com/katulong/katulong/internal/store"
)

// startServer wires the production router against a fresh store, the
// way runServe does, and serves it over a real listener.
func startServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store open: %v", err)
	}

	cfg := config.Settings{
		DataDir:   t.TempDir(),
		PublicDir: t.TempDir(),
		Port:      3000,
		HTTPSPort: 3001,
		SSHPort:   2222,
	}

	prevCfg := config.Cfg
	prevStore, prevAuth := handlers.Store, handlers.Auth
	prevDaemon, prevUploads := handlers.Daemon, handlers.UploadsDir
	config.Cfg = cfg
	handlers.Store = st
	handlers.Auth = auth.NewService(st, store.NewLockout(), "")
	handlers.Daemon = daemonclient.New(filepath.Join(cfg.DataDir, "idle.sock"))
	handlers.UploadsDir = filepath.Join(cfg.DataDir, "uploads")
	t.Cleanup(func() {
		config.Cfg = prevCfg
		handlers.Store, handlers.Auth = prevStore, prevAuth
		handlers.Daemon, handlers.UploadsDir = prevDaemon, prevUploads
	})

	srv := httptest.NewServer(newRouter(cfg, st))
	t.Cleanup(srv.Close)
	return srv, st
}

// asRemote makes the tier detector classify the request as internet
// traffic. chi's RealIP middleware rewrites RemoteAddr from X-Real-IP
// before classification runs.
func asRemote(req *http.Request) *http.Request {
	req.Header.Set("X-Real-IP", "203.0.113.9")
	return req
}

// mintSession registers a credential straight into the store and opens
// a session for it.
func mintSession(t *testing.T, st *store.Store) store.Session {
	t.Helper()
	cred := store.Credential{ID: "router-cred", Name: "Router test", PublicKey: []byte("pk")}
	if err := st.RegisterCredential(cred, ""); err != nil {
		t.Fatalf("register credential: %v", err)
	}
	sess, err := st.CreateSession(cred.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestRouterHealthIsPublic(t *testing.T) {
	srv, _ := startServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	resp, err := srv.Client().Do(asRemote(req))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Errorf("body = %s, want status ok", body)
	}
}

func TestRouterAPIRequiresSession(t *testing.T) {
	srv, st := startServer(t)
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/credentials", nil)
	resp, err := client.Do(asRemote(req))
	if err != nil {
		t.Fatalf("GET /api/credentials: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	sess := mintSession(t, st)
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/credentials", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sess.Token})
	resp, err = client.Do(asRemote(req))
	if err != nil {
		t.Fatalf("GET with session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}
}

func TestRouterPairStartRequiresSession(t *testing.T) {
	srv, _ := startServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/auth/pair/start", nil)
	resp, err := srv.Client().Do(asRemote(req))
	if err != nil {
		t.Fatalf("POST /auth/pair/start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRouterLocalhostBypassesAuth(t *testing.T) {
	srv, _ := startServer(t)

	// No X-Real-IP: the loopback socket address classifies as localhost.
	resp, err := srv.Client().Get(srv.URL + "/api/credentials")
	if err != nil {
		t.Fatalf("GET /api/credentials: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 without a session", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRouterCSRFGuardsMutations(t *testing.T) {
	srv, st := startServer(t)
	client := srv.Client()
	sess := mintSession(t, st)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/tokens", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sess.Token})
	resp, err := client.Do(asRemote(req))
	if err != nil {
		t.Fatalf("POST without csrf header: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing csrf status = %d, want 403", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/tokens", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sess.Token})
	req.Header.Set("X-CSRF-Token", sess.CSRFToken)
	resp, err = client.Do(asRemote(req))
	if err != nil {
		t.Fatalf("POST with csrf header: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("valid csrf status = %d, want 201", resp.StatusCode)
	}
}

func TestRouterTerminalSocketGuarded(t *testing.T) {
	srv, _ := startServer(t)

	// Remote callers without an Origin header are refused before the
	// upgrade is attempted.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	resp, err := srv.Client().Do(asRemote(req))
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRouterServesUI(t *testing.T) {
	srv, _ := startServer(t)

	shell := "<!doctype html><title>katulong</title>"
	if err := os.WriteFile(filepath.Join(config.Cfg.PublicDir, "index.html"), []byte(shell), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}

	resp, err := srv.Client().Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != shell {
		t.Fatalf("GET / = %d %q, want the index shell", resp.StatusCode, body)
	}

	// Extension-less paths are client-side routes served by the shell.
	resp, err = srv.Client().Get(srv.URL + "/settings")
	if err != nil {
		t.Fatalf("GET /settings: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != shell {
		t.Errorf("GET /settings = %d %q, want the index shell", resp.StatusCode, body)
	}

	resp, err = srv.Client().Get(srv.URL + "/missing.js")
	if err != nil {
		t.Fatalf("GET /missing.js: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing.js = %d, want 404", resp.StatusCode)
	}
}
