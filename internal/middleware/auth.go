package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/katulong/katulong/internal/access"
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/store"
)

type contextKey string

const (
	tierContextKey    contextKey = "tier"
	sessionContextKey contextKey = "session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WithTier classifies the request once; everything downstream reads the
// result from the context.
func WithTier(d access.Detector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), tierContextKey, d.Detect(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTier returns the request's access tier. Requests that skipped
// WithTier count as internet.
func GetTier(r *http.Request) access.Tier {
	tier, ok := r.Context().Value(tierContextKey).(access.Tier)
	if !ok {
		return access.TierInternet
	}
	return tier
}

// RequireAuth lets localhost callers through untouched and validates
// the session cookie for everyone else.
func RequireAuth(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetTier(r) == access.TierLocalhost {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			sess, err := st.ValidateSession(cookie.Value)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			ctx := context.WithValue(r.Context(), sessionContextKey, &sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession returns the validated session, or nil for localhost
// callers that bypassed auth.
func GetSession(r *http.Request) *store.Session {
	sess, _ := r.Context().Value(sessionContextKey).(*store.Session)
	return sess
}

// RequireCSRF checks the X-CSRF-Token header on state-changing requests
// from non-local callers. Must run after RequireAuth.
func RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if GetTier(r) == access.TierLocalhost {
			next.ServeHTTP(w, r)
			return
		}
		sess := GetSession(r)
		if sess == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		token := r.Header.Get("X-CSRF-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sess.CSRFToken)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "csrf token mismatch"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps request bodies; reads past the limit abort the request.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
