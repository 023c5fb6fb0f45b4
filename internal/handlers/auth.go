package handlers

import (
	"net/http"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/middleware"
)

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(auth.SessionDuration.Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// AuthStatus reports whether a passkey has been registered yet and how
// the caller reached us. Authenticated callers also get their CSRF
// token, which is not readable from the HttpOnly cookie.
func AuthStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"setup":         Store.IsSetup(),
		"accessMethod":  middleware.GetTier(r).String(),
		"authenticated": false,
	}
	if middleware.GetTier(r) == access.TierLocalhost {
		resp["authenticated"] = true
	} else if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		if sess, err := Store.ValidateSession(cookie.Value); err == nil {
			resp["authenticated"] = true
			resp["csrfToken"] = sess.CSRFToken
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterOptions starts a WebAuthn registration ceremony. Device
// metadata travels in query parameters because the verify step's body
// is the raw WebAuthn credential.
func RegisterOptions(w http.ResponseWriter, r *http.Request) {
	local := middleware.GetTier(r) == access.TierLocalhost
	q := r.URL.Query()
	options, err := Auth.BeginRegistration(r, local, q.Get("deviceId"), q.Get("token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func RegisterVerify(w http.ResponseWriter, r *http.Request) {
	local := middleware.GetTier(r) == access.TierLocalhost
	q := r.URL.Query()
	cred, err := Auth.FinishRegistration(r, local, q.Get("deviceId"), q.Get("name"), r.UserAgent(), q.Get("token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// The fresh device is logged in right away so it does not have to
	// run a login ceremony it just proved it could pass.
	sess, err := Store.CreateSession(cred.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	setSessionCookie(w, r, sess.Token)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"credentialId": cred.ID,
		"csrfToken":    sess.CSRFToken,
	})
}

func LoginOptions(w http.ResponseWriter, r *http.Request) {
	options, err := Auth.BeginLogin(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func LoginVerify(w http.ResponseWriter, r *http.Request) {
	sess, err := Auth.FinishLogin(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	setSessionCookie(w, r, sess.Token)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"credentialId": sess.CredentialID,
		"csrfToken":    sess.CSRFToken,
	})
}

// Logout invalidates the session but leaves the credential intact.
func Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		Store.DeleteSession(cookie.Value)
	}
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
