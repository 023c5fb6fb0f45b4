package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/middleware"
)

func TestListCredentialsMarksCurrent(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")
	registerCredential(t, st, "c2")
	sess := loginSession(t, st, "c2")

	r := tierRequest("GET", "/api/credentials", nil, access.TierLAN)
	r = middleware.WithSessionForTest(r, &sess)
	w := httptest.NewRecorder()
	ListCredentials(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var creds []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Current bool   `json:"current"`
	}
	decodeJSON(t, w, &creds)
	if len(creds) != 2 {
		t.Fatalf("got %d credentials, want 2", len(creds))
	}
	for _, c := range creds {
		if want := c.ID == "c2"; c.Current != want {
			t.Errorf("credential %s current = %v, want %v", c.ID, c.Current, want)
		}
	}
}

func TestDeleteLastCredentialRemoteRefused(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	r := withChiParams(tierRequest("DELETE", "/api/credentials/c1", nil, access.TierLAN),
		map[string]string{"id": "c1"})
	w := httptest.NewRecorder()
	DeleteCredential(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if _, err := st.GetCredential("c1"); err != nil {
		t.Error("credential was deleted despite the refusal")
	}
}

func TestDeleteLastCredentialLocalhostAllowed(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	r := withChiParams(tierRequest("DELETE", "/api/credentials/c1", nil, access.TierLocalhost),
		map[string]string{"id": "c1"})
	w := httptest.NewRecorder()
	DeleteCredential(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", w.Code, w.Body.String())
	}
	if _, err := st.GetCredential("c1"); err == nil {
		t.Error("credential still present after delete")
	}
}

func TestDeleteOwnCredentialClearsCookie(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")
	registerCredential(t, st, "c2")
	sess := loginSession(t, st, "c1")

	r := withChiParams(tierRequest("DELETE", "/api/credentials/c1", nil, access.TierLAN),
		map[string]string{"id": "c1"})
	r = middleware.WithSessionForTest(r, &sess)
	w := httptest.NewRecorder()
	DeleteCredential(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.SessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("deleting own credential did not clear the cookie")
	}
	if _, err := st.ValidateSession(sess.Token); err == nil {
		t.Error("session survived its credential's deletion")
	}
}

func TestDeleteCredentialUnknown(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	r := withChiParams(tierRequest("DELETE", "/api/credentials/nope", nil, access.TierLocalhost),
		map[string]string{"id": "nope"})
	w := httptest.NewRecorder()
	DeleteCredential(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRenameCredential(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	r := withChiParams(tierRequest("PATCH", "/api/credentials/c1", strings.NewReader(`{"name":"Work laptop"}`), access.TierLocalhost),
		map[string]string{"id": "c1"})
	w := httptest.NewRecorder()
	RenameCredential(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	cred, err := st.GetCredential("c1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.Name != "Work laptop" {
		t.Errorf("name = %q, want %q", cred.Name, "Work laptop")
	}
}

func TestRenameCredentialEmptyName(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	r := withChiParams(tierRequest("PATCH", "/api/credentials/c1", strings.NewReader(`{"name":"  "}`), access.TierLocalhost),
		map[string]string{"id": "c1"})
	w := httptest.NewRecorder()
	RenameCredential(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRenameCredentialUnknown(t *testing.T) {
	setupState(t)

	r := withChiParams(tierRequest("PATCH", "/api/credentials/nope", strings.NewReader(`{"name":"x"}`), access.TierLocalhost),
		map[string]string{"id": "nope"})
	w := httptest.NewRecorder()
	RenameCredential(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
