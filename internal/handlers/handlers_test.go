package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/middleware"
	"github.com/katulong/katulong/internal/store"
)

// setupState points the package globals at fresh fixtures and restores
// the previous ones when the test ends. Tests in this package must not
// run in parallel.
func setupState(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	prevStore, prevAuth, prevDaemon, prevUploads := Store, Auth, Daemon, UploadsDir
	Store = st
	Auth = auth.NewService(st, store.NewLockout(), "")
	UploadsDir = filepath.Join(t.TempDir(), "uploads")
	t.Cleanup(func() {
		Store, Auth, Daemon, UploadsDir = prevStore, prevAuth, prevDaemon, prevUploads
	})
	return st
}

func registerCredential(t *testing.T, st *store.Store, id string) store.Credential {
	t.Helper()
	cred := store.Credential{
		ID:        id,
		PublicKey: []byte("pk-" + id),
		Name:      "Device " + id,
		CreatedAt: time.Now(),
	}
	if err := st.RegisterCredential(cred, ""); err != nil {
		t.Fatalf("register credential %s: %v", id, err)
	}
	return cred
}

func loginSession(t *testing.T, st *store.Store, credID string) store.Session {
	t.Helper()
	sess, err := st.CreateSession(credID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

// tierRequest builds a request pre-classified into the given tier, the
// way the router's WithTier middleware would hand it down.
func tierRequest(method, target string, body io.Reader, tier access.Tier) *http.Request {
	return middleware.WithTierForTest(httptest.NewRequest(method, target, body), tier)
}

// withChiParams attaches URL parameters the way the chi router would.
func withChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// --- fake daemon over a unix socket ---

func listenUnix(t *testing.T) (string, net.Listener) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return path, ln
}

// serveScripted accepts connections and feeds each decoded line to fn.
func serveScripted(t *testing.T, ln net.Listener, fn func(conn net.Conn, msg map[string]any)) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					var msg map[string]any
					if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
						continue
					}
					fn(conn, msg)
				}
			}()
		}
	}()
}

func reply(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}

// startDaemon wires the package's Daemon global to a connected client
// talking to the fake at path.
func startDaemon(t *testing.T, path string) *daemonclient.Client {
	t.Helper()
	c := daemonclient.New(path)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			Daemon = c
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon client never connected")
	return nil
}
