package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
)

func TestAuthStatusLocalhost(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	AuthStatus(w, tierRequest("GET", "/auth/status", nil, access.TierLocalhost))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	decodeJSON(t, w, &body)
	if body["setup"] != false {
		t.Errorf("setup = %v, want false", body["setup"])
	}
	if body["authenticated"] != true {
		t.Errorf("authenticated = %v, want true for localhost", body["authenticated"])
	}
	if body["accessMethod"] != "localhost" {
		t.Errorf("accessMethod = %v, want localhost", body["accessMethod"])
	}
}

func TestAuthStatusRemoteUnauthenticated(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	w := httptest.NewRecorder()
	AuthStatus(w, tierRequest("GET", "/auth/status", nil, access.TierLAN))

	var body map[string]any
	decodeJSON(t, w, &body)
	if body["setup"] != true {
		t.Errorf("setup = %v, want true", body["setup"])
	}
	if body["authenticated"] != false {
		t.Errorf("authenticated = %v, want false without a cookie", body["authenticated"])
	}
	if _, ok := body["csrfToken"]; ok {
		t.Error("csrfToken leaked to an unauthenticated caller")
	}
}

func TestAuthStatusRemoteWithSession(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")
	sess := loginSession(t, st, "c1")

	r := tierRequest("GET", "/auth/status", nil, access.TierInternet)
	r.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sess.Token})
	w := httptest.NewRecorder()
	AuthStatus(w, r)

	var body map[string]any
	decodeJSON(t, w, &body)
	if body["authenticated"] != true {
		t.Fatalf("authenticated = %v, want true", body["authenticated"])
	}
	if body["csrfToken"] != sess.CSRFToken {
		t.Errorf("csrfToken = %v, want the session's", body["csrfToken"])
	}
	if body["accessMethod"] != "internet" {
		t.Errorf("accessMethod = %v, want internet", body["accessMethod"])
	}
}

func TestRegisterOptionsLocalhost(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	RegisterOptions(w, tierRequest("POST", "/auth/register/options?deviceId=d1", nil, access.TierLocalhost))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	decodeJSON(t, w, &body)
	if _, ok := body["publicKey"]; !ok {
		t.Error("response has no publicKey creation options")
	}
}

func TestRegisterOptionsRemoteNeedsToken(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	RegisterOptions(w, tierRequest("POST", "/auth/register/options?deviceId=d1", nil, access.TierInternet))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRegisterOptionsRemoteWithStoredToken(t *testing.T) {
	st := setupState(t)
	tok, err := st.AddSetupToken("laptop")
	if err != nil {
		t.Fatalf("add token: %v", err)
	}

	w := httptest.NewRecorder()
	RegisterOptions(w, tierRequest("POST", "/auth/register/options?deviceId=d1&token="+tok.Token, nil, access.TierInternet))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestRegisterVerifyWithoutChallenge(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	RegisterVerify(w, tierRequest("POST", "/auth/register/verify?deviceId=d1", strings.NewReader("{}"), access.TierLocalhost))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a pending challenge", w.Code)
	}
}

func TestLoginVerifyGarbageBody(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")

	w := httptest.NewRecorder()
	LoginVerify(w, tierRequest("POST", "/auth/login/verify", strings.NewReader("not json"), access.TierInternet))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLogoutDeletesSessionAndCookie(t *testing.T) {
	st := setupState(t)
	registerCredential(t, st, "c1")
	sess := loginSession(t, st, "c1")

	r := tierRequest("POST", "/auth/logout", nil, access.TierLAN)
	r.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sess.Token})
	w := httptest.NewRecorder()
	Logout(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if _, err := st.ValidateSession(sess.Token); err == nil {
		t.Error("session still valid after logout")
	}

	cleared := false
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.SessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("session cookie was not cleared")
	}
}

func TestLogoutWithoutCookieStillOK(t *testing.T) {
	setupState(t)

	w := httptest.NewRecorder()
	Logout(w, tierRequest("POST", "/auth/logout", nil, access.TierLAN))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
